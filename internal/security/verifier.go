// Package security implements the local trust primitives the licensing core
// depends on: signed-file verification, device fingerprinting and the
// encryption of the cached heartbeat snapshot.
package security

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"licensectl/internal/provisioning"
)

// signedEnvelope is the on-disk format of license and activation files:
// a base64 payload plus an RSA-SHA256 signature over the raw payload bytes.
type signedEnvelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Verifier validates signed license artifacts against a vendor public key.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier parses a PEM encoded RSA public key.
func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in public key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", parsed)
	}

	return &Verifier{publicKey: rsaKey}, nil
}

// IsSignatureValid reports whether the file at path is a correctly signed
// artifact. Any read or parse failure counts as invalid.
func (v *Verifier) IsSignatureValid(path string) bool {
	_, err := v.openEnvelope(path)
	return err == nil
}

// ReadLicenseFile reads and verifies a signed license file.
func (v *Verifier) ReadLicenseFile(path string) (*provisioning.LicenseInfo, error) {
	payload, err := v.openEnvelope(path)
	if err != nil {
		return nil, err
	}

	var info provisioning.LicenseInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("decode license file: %w", err)
	}
	return &info, nil
}

// ReadActivationFile reads and verifies a signed activation file.
func (v *Verifier) ReadActivationFile(path string) (*provisioning.Activation, error) {
	payload, err := v.openEnvelope(path)
	if err != nil {
		return nil, err
	}

	var activation provisioning.Activation
	if err := json.Unmarshal(payload, &activation); err != nil {
		return nil, fmt.Errorf("decode activation file: %w", err)
	}
	return &activation, nil
}

// IsReleaseCompliant reports whether the given software version falls inside
// the release range the license was issued for. A license without a range is
// compliant with every version.
func (v *Verifier) IsReleaseCompliant(info *provisioning.LicenseInfo, version string) bool {
	if info == nil || info.ReleaseCompliance == nil {
		return true
	}

	rc := info.ReleaseCompliance
	if rc.MinVersion != "" && compareVersions(version, rc.MinVersion) < 0 {
		return false
	}
	if rc.MaxVersion != "" && compareVersions(version, rc.MaxVersion) > 0 {
		return false
	}
	return true
}

func (v *Verifier) openEnvelope(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signed file: %w", err)
	}

	var envelope signedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parse signed file: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(envelope.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return nil, fmt.Errorf("signature check failed: %w", err)
	}

	return payload, nil
}

// compareVersions compares two dotted numeric versions. Non-numeric segments
// compare lexically so pre-release suffixes still order deterministically.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}

		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}

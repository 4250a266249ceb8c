// licensesign signs a license or activation payload so it can be imported
// as an offline artifact. The input is raw JSON, the output is the signed
// envelope the verifier expects.
package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"os"

	"licensectl/internal/security"
)

func main() {
	keyPath := flag.String("key", "", "path to the RSA private key (PEM)")
	inPath := flag.String("in", "", "path to the JSON payload to sign")
	outPath := flag.String("out", "", "path to write the signed file to")
	flag.Parse()

	if *keyPath == "" || *inPath == "" || *outPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*keyPath, *inPath, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "licensesign: %v\n", err)
		os.Exit(1)
	}
}

func run(keyPath, inPath, outPath string) error {
	key, err := loadPrivateKey(keyPath)
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	// Round-trip through json.RawMessage to reject malformed payloads while
	// preserving the caller's field set.
	var payload json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}

	if err := security.WriteSignedFile(key, outPath, payload); err != nil {
		return err
	}

	fmt.Printf("signed %s -> %s\n", inPath, outPath)
	return nil
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key in %s is not RSA", path)
	}
	return key, nil
}

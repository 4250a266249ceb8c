package license

import (
	"fmt"
	"time"

	"licensectl/internal/provisioning"
)

// noExpirationYear marks "perpetual" licenses; such expiration dates are
// never displayed.
const noExpirationYear = 9999

// describeLicense builds the one-line description attached to validated
// states.
func describeLicense(info *provisioning.LicenseInfo, state State) string {
	company := ""
	if info.Customer != nil {
		company = info.Customer.CompanyName
	}

	desc := fmt.Sprintf("Product licensed for %s.", company)

	if state == StateTemporaryOfflineValidated {
		if exp := freerideExpiration(info); exp != nil {
			desc += fmt.Sprintf(" Freeride period expires on %s", exp.Format("2006-01-02"))
		}
		return desc
	}

	if info.ExpirationDateUTC != nil && info.ExpirationDateUTC.Year() < noExpirationYear {
		desc += fmt.Sprintf(" Expires on %s", info.ExpirationDateUTC.Local().Format("2006-01-02"))
	}
	return desc
}

// freerideExpiration returns the end of the freeride grace window, if one is
// granted.
func freerideExpiration(info *provisioning.LicenseInfo) *time.Time {
	if info.FreerideDays == nil || info.CreatedDateUTC == nil {
		return nil
	}
	exp := info.CreatedDateUTC.Add(time.Duration(*info.FreerideDays) * 24 * time.Hour)
	return &exp
}

// RemainingFreerideDays returns the remaining freeride window in days with
// one decimal, or nil when no freeride is granted.
func RemainingFreerideDays(info *provisioning.LicenseInfo, now time.Time) *float64 {
	if info == nil || info.FreerideDays == nil || info.CreatedDateUTC == nil {
		return nil
	}
	age := now.Sub(*info.CreatedDateUTC).Hours() / 24
	remaining := float64(*info.FreerideDays) - age
	rounded := float64(int(remaining*10)) / 10
	return &rounded
}

// FreerideGrantedText renders the freeride grant for display.
func FreerideGrantedText(info *provisioning.LicenseInfo) string {
	if info == nil || info.FreerideDays == nil {
		return "No freeride granted"
	}
	return fmt.Sprintf("Freeride granted: %d days", *info.FreerideDays)
}

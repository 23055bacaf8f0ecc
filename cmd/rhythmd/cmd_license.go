package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rhythmchamber/internal/license"
)

// licenseCmd manages premium licenses
var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Manage the premium license",
	Long: `Verify and store premium licenses. Verification is online-primary:
the license server's verdict is binding and offline signature checks only
apply when the server is unreachable.

Available subcommands:
  verify <token> - Verify a license token
  store <token>  - Verify offline and store a license token
  status         - Show the stored license and premium state`,
}

var licenseVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a license token",
	Args:  cobra.ExactArgs(1),
	RunE:  runLicenseVerify,
}

var licenseStoreCmd = &cobra.Command{
	Use:   "store <token>",
	Short: "Store a license token",
	Args:  cobra.ExactArgs(1),
	RunE:  runLicenseStore,
}

var licenseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show license status",
	RunE:  runLicenseStatus,
}

func init() {
	licenseCmd.AddCommand(licenseVerifyCmd)
	licenseCmd.AddCommand(licenseStoreCmd)
	licenseCmd.AddCommand(licenseStatusCmd)
}

func newLicenseVerifier() (*license.Verifier, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	licCfg := license.Config{
		ServerURL:  cfg.License.ServerURL,
		Origin:     cfg.License.Origin,
		StorageDir: cfg.Workspace + "/.rhythm",
	}
	if len(cfg.License.PublicKeys) > 0 {
		keys, err := license.ParseKeyMap(cfg.License.PublicKeys)
		if err != nil {
			return nil, err
		}
		licCfg.PublicKeys = keys
		licCfg.ActiveKeyVersion = cfg.License.ActiveKeyVersion
	}
	return license.NewVerifier(licCfg), nil
}

func printResult(result *license.Result) {
	if result.Valid {
		fmt.Printf("✓ License valid (tier=%s)\n", result.Tier)
	} else {
		fmt.Printf("✗ License invalid (%s)\n", result.Code)
	}
	switch {
	case result.ServerVerified:
		fmt.Println("  Verified by the license server.")
	case result.OfflineMode:
		fmt.Println("  Server unreachable; offline signature verification only.")
	}
}

func runLicenseVerify(cmd *cobra.Command, args []string) error {
	v, err := newLicenseVerifier()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	printResult(v.Verify(ctx, args[0]))
	return nil
}

func runLicenseStore(cmd *cobra.Command, args []string) error {
	v, err := newLicenseVerifier()
	if err != nil {
		return err
	}
	if err := v.Store(args[0]); err != nil {
		return err
	}
	fmt.Println("✓ License stored.")
	return nil
}

func runLicenseStatus(cmd *cobra.Command, args []string) error {
	v, err := newLicenseVerifier()
	if err != nil {
		return err
	}

	token := v.Load()
	if token == "" {
		fmt.Println("No license stored (or stored license failed its integrity check).")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fmt.Printf("Device fingerprint: %s\n", v.Fingerprint())
	printResult(v.Verify(ctx, token))
	return nil
}

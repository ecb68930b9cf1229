package main

import (
	"fmt"
	"os"

	"github.com/evse-systems/charge-point-agent/internal/config"
)

// configcheck loads the layered configuration the agent itself would use
// and prints the resolved values, so a deployment's environment variables
// and profile overrides can be verified without starting the agent.
func main() {
	fmt.Println("=== Charge Point Agent Configuration Check ===")

	fmt.Println("\n--- Environment Variables ---")
	envVars := []string{
		"APP_PROFILE",
		"CENTRAL_SYSTEM_URL",
		"CENTRAL_SYSTEM_SECURITY_PROFILE",
		"CHARGE_POINT_ID",
		"STORAGE_ADDR",
		"LOG_LEVEL",
		"MONITORING_HEALTH_CHECK_PORT",
		"EVENT_BUS_BROKERS",
	}
	for _, env := range envVars {
		if value := os.Getenv(env); value != "" {
			fmt.Printf("%s = %s\n", env, value)
		} else {
			fmt.Printf("%s = (not set)\n", env)
		}
	}

	fmt.Println("\n--- Loading Configuration ---")
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n--- Final Configuration ---")
	fmt.Printf("App Name: %s\n", cfg.App.Name)
	fmt.Printf("App Version: %s\n", cfg.App.Version)
	fmt.Printf("App Profile: %s\n", cfg.App.Profile)
	fmt.Printf("Charge Point ID: %s\n", cfg.Identity.ChargePointID)
	fmt.Printf("Charge Point Vendor/Model: %s / %s\n", cfg.Identity.ChargePointVendor, cfg.Identity.ChargePointModel)
	fmt.Printf("Central System Address: %s\n", cfg.CentralSystemAddr())
	fmt.Printf("Central System Security Profile: %d\n", cfg.Central.SecurityProfile)
	fmt.Printf("TLS Enabled: %v\n", cfg.TLS.Enabled)
	fmt.Printf("Storage Address: %s\n", cfg.Storage.Addr)
	fmt.Printf("Schema Directory: %s\n", cfg.Schema.Directory)
	fmt.Printf("Event Bus Enabled: %v\n", cfg.EventBus.Enabled)
	fmt.Printf("Event Bus Brokers: %v\n", cfg.EventBus.Brokers)
	fmt.Printf("Log Level: %s\n", cfg.Log.Level)
	fmt.Printf("Metrics Address: %s\n", cfg.GetMetricsAddr())
	fmt.Printf("Health Check Address: %s\n", cfg.GetHealthCheckAddr())
	fmt.Printf("OCPP Supported Versions: %v\n", cfg.OCPP.SupportedVersions)
	fmt.Printf("OCPP Worker Count: %d\n", cfg.OCPP.WorkerCount)
	fmt.Printf("OCPP FIFO Retries: %d\n", cfg.OCPP.FifoRetries)

	fmt.Println("\n--- Environment Check ---")
	fmt.Printf("Is Development: %v\n", cfg.IsDevelopment())
	fmt.Printf("Is Test: %v\n", cfg.IsTest())
	fmt.Printf("Is Production: %v\n", cfg.IsProduction())

	fmt.Println("\n=== Configuration Check Complete ===")
}

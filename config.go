package main

import (
	"log"
	"os"

	"github.com/miekg/dns"
)

// Process configuration from the environment
var (
	HTTP_PORT int
	DNS_PORT  int
	DNS_ZONE  string

	RATE_LIMIT_RPS   float64
	RATE_LIMIT_BURST int

	gatewayConfigDir string
	debugMode        bool
)

func init() {
	loadProcessConfig()
}

func loadProcessConfig() {
	HTTP_PORT = envInt("HTTP_PORT", 8080)
	DNS_PORT = envInt("DNS_PORT", 0) // 0 disables the DNS gateway
	DNS_ZONE = dns.Fqdn(envString("DNS_ZONE", "research.local"))

	RATE_LIMIT_RPS = envFloat("RATE_LIMIT_RPS", 2)
	RATE_LIMIT_BURST = envInt("RATE_LIMIT_BURST", 10)

	gatewayConfigDir = envString("GATEWAY_CONFIG_DIR", "./config")
	debugMode = os.Getenv("DEBUG") == "true"

	log.Printf("Port configuration: HTTP=%d, DNS=%d (zone %s)", HTTP_PORT, DNS_PORT, DNS_ZONE)
}

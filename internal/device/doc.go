// Package device holds the types shared by the provisioning and tracking pipeline:
// peripherals, connection states, credentials, backend status and prediction payloads,
// the failure taxonomy, and the capability interfaces the platform adapters implement.
package device

// Package logparse scrapes machine-actionable facts out of the
// free-text logs a dev-instance run emits.  This is a best-effort
// scrape over operator-authored shell output, not a schema-validated
// payload: the markers are positional text patterns, each search takes
// the first match in document order, and an upstream log-format change
// surfaces as an ordinary extraction failure.
package logparse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Arch is the platform of a dev instance.
type Arch string

const (
	ArchLinux   Arch = "linux-64"
	ArchWindows Arch = "win-64"
)

// InstanceType is the EC2 GPU instance type of a dev instance.
type InstanceType string

const (
	InstanceTypeG4dn InstanceType = "g4dn.4xlarge"
	InstanceTypeP3   InstanceType = "p3.2xlarge"
)

// ErrMissingFields is returned when any required marker is absent from
// the log text.  Extraction is all-or-nothing.
var ErrMissingFields = errors.New("log text missing required fields")

// InstanceDetails is the parsed-out answer to "where is my instance".
// All four fields are mandatory; a partial result is never produced.
type InstanceDetails struct {
	InstanceID   string       `json:"instance_id"`
	IPAddress    string       `json:"ip_address"`
	Arch         Arch         `json:"arch"`
	InstanceType InstanceType `json:"instance_type"`
}

// The markers are emitted by the dev-instance workflow's shell steps.
// A timestamp prefix may precede them on the same line, so the
// patterns are unanchored.
var (
	reInstanceID = regexp.MustCompile(`INSTANCE_IDS: (i-[0-9a-f]+)`)
	reIPAddress  = regexp.MustCompile(`\[ "(\d+\.\d+\.\d+\.\d+)" \]`)
	reArch       = regexp.MustCompile(`PLATFORM: (linux-64|win-64)`)
	reType       = regexp.MustCompile(`INSTANCE_TYPE: (g4dn\.4xlarge|p3\.2xlarge)`)
)

// ExtractInstanceDetails searches logs for the four instance markers.
// If any marker is missing the whole extraction fails with
// ErrMissingFields naming every absent field.
func ExtractInstanceDetails(logs string) (*InstanceDetails, error) {
	details := &InstanceDetails{}
	var missing []string

	if m := reInstanceID.FindStringSubmatch(logs); m != nil {
		details.InstanceID = m[1]
	} else {
		missing = append(missing, "instance id")
	}

	if m := reIPAddress.FindStringSubmatch(logs); m != nil {
		details.IPAddress = m[1]
	} else {
		missing = append(missing, "ip address")
	}

	if m := reArch.FindStringSubmatch(logs); m != nil {
		details.Arch = Arch(m[1])
	} else {
		missing = append(missing, "platform")
	}

	if m := reType.FindStringSubmatch(logs); m != nil {
		details.InstanceType = InstanceType(m[1])
	} else {
		missing = append(missing, "instance type")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return details, nil
}

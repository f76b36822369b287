package ops

import (
	"strconv"

	"github.com/terrpan/pushbutan/internal/logparse"
)

// Known workflow ids on the target repository.  The dev-instance id is
// pinned upstream; all three can be overridden via configuration.
const (
	DefaultDevInstanceWorkflowID  int64 = 31526128
	DefaultStopInstanceWorkflowID int64 = 33417487
	DefaultCodesignWorkflowID     int64 = 47015319
)

// WorkflowIDs selects which remote workflow each operation dispatches.
type WorkflowIDs struct {
	DevInstance  int64
	StopInstance int64
	Codesign     int64
}

// CudaVersion is the CUDA toolkit selector passed to the dev-instance
// workflow.  It is derived from the platform, never caller-supplied:
// Linux GPU images require CUDA, Windows images handle it themselves.
type CudaVersion string

const (
	CudaNone CudaVersion = "none"
	Cuda124  CudaVersion = "12.4"
)

// Cert selects the signing certificate for a codesign run.
type Cert string

const (
	CertProd Cert = "prod"
	CertDev  Cert = "dev"
)

// Each workflow kind gets its own closed, typed input record instead of
// a generic map, so a malformed dispatch fails at compile time rather
// than at the remote platform.  inputs() flattens a record into the
// string map the dispatch endpoint expects -- workflow inputs are
// strings on the wire.

// DevInstanceInputs are the inputs of the dev-instance workflow.
type DevInstanceInputs struct {
	Arch         logparse.Arch
	InstanceType logparse.InstanceType
	CudaVersion  CudaVersion
	ImageID      string
	Branch       string
	Lifetime     string // hours, passed through verbatim
}

func (in DevInstanceInputs) inputs() map[string]string {
	return map[string]string{
		"arch":          string(in.Arch),
		"instance_type": string(in.InstanceType),
		"cuda_version":  string(in.CudaVersion),
		"image_id":      in.ImageID,
		"branch":        in.Branch,
		"lifetime":      in.Lifetime,
	}
}

// StopInstanceInputs are the inputs of the stop-instance workflow.
type StopInstanceInputs struct {
	InstanceIDs string
}

func (in StopInstanceInputs) inputs() map[string]string {
	return map[string]string{
		"instance_ids": in.InstanceIDs,
	}
}

// CodesignInputs are the inputs of the codesign workflow.
type CodesignInputs struct {
	Cert             Cert
	OrgChannel       string
	PackageSpec      string
	GenerateRepodata bool
}

func (in CodesignInputs) inputs() map[string]string {
	m := map[string]string{
		"cert":                    string(in.Cert),
		"org_channel":             in.OrgChannel,
		"generate_repodata_files": strconv.FormatBool(in.GenerateRepodata),
	}
	if in.PackageSpec != "" {
		m["package_spec"] = in.PackageSpec
	}
	return m
}

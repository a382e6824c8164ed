package executor

// InitRequest is handed to the judge-init helper on file descriptor 3.
// The helper applies the limits to itself and then execs Cmd, so the
// program inherits them together with the stdio pipes of the backend.
type InitRequest struct {
	WorkDir       string   `json:"work_dir"`
	Cmd           []string `json:"cmd"`
	Env           []string `json:"env"`
	CPUTimeMs     int64    `json:"cpu_time_ms"`
	StackMB       int64    `json:"stack_mb"`
	FileSizeBytes int64    `json:"file_size_bytes"`
	Processes     int64    `json:"processes"`
	// AddressSpaceBytes becomes RLIMIT_AS. Zero leaves it unlimited.
	AddressSpaceBytes int64  `json:"address_space_bytes,omitempty"`
	SeccompProfile    string `json:"seccomp_profile,omitempty"`
}

// InitRequestFD is the descriptor the helper reads its request from.
const InitRequestFD = 3

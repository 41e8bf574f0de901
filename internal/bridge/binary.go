package bridge

import (
	"fmt"
	"os"
	"os/exec"
)

// binaryCandidates are tried in order on PATH when XRAY_PATH is not set.
// exec.LookPath appends .exe on Windows.
var binaryCandidates = []string{"xray", "v2ray"}

// FindBinary locates the tunnel engine executable. XRAY_PATH wins when it
// points at an existing file; otherwise PATH is searched. A missing engine
// is a hard error: nothing can work without it.
func FindBinary() (string, error) {
	if envPath := os.Getenv("XRAY_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	for _, candidate := range binaryCandidates {
		if found, err := exec.LookPath(candidate); err == nil {
			return found, nil
		}
	}

	return "", fmt.Errorf("bridge: xray/v2ray binary not found; install xray-core or set XRAY_PATH")
}

package platform

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Type identifies the runtime the reader is packaged for.
type Type string

const (
	// TypeWeb is the browser/wasm build.
	TypeWeb Type = "web"
	// TypeDesktop is the desktop shell, host or renderer.
	TypeDesktop Type = "desktop"
)

// StorageType names the backend driver a platform uses.
type StorageType string

const (
	StorageIndexedDB StorageType = "indexeddb"
	StorageSQLite    StorageType = "sqlite"
	StorageRemote    StorageType = "remote"
)

const (
	// EnvBridgeURL marks a renderer process that reaches storage over HTTP.
	EnvBridgeURL = "BRAINFEED_BRIDGE_URL"
	// EnvBridgeSocket marks a renderer process that reaches storage over a unix socket.
	EnvBridgeSocket = "BRAINFEED_BRIDGE_SOCKET"
)

// Info describes the detected platform.
type Info struct {
	Type        Type        `json:"type"`
	IsDesktop   bool        `json:"is_desktop"`
	IsMac       bool        `json:"is_mac"`
	StorageType StorageType `json:"storage_type"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s/%s", i.Type, i.StorageType)
}

// ParseType accepts the configured platform name. "electron" is kept as an alias of desktop.
func ParseType(raw string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return "", nil
	case string(TypeWeb), "browser":
		return TypeWeb, nil
	case string(TypeDesktop), "electron":
		return TypeDesktop, nil
	default:
		return "", fmt.Errorf("platform: unknown platform %q", raw)
	}
}

// Detector decides which backend the process should use.
type Detector struct {
	GOOS      string
	GOARCH    string
	LookupEnv func(string) (string, bool)
}

// NewDetector returns a Detector bound to the running process.
func NewDetector() Detector {
	return Detector{
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		LookupEnv: os.LookupEnv,
	}
}

// Detect inspects the runtime once; callers keep the result for the process lifetime.
func (d Detector) Detect() Info {
	if d.GOOS == "js" && d.GOARCH == "wasm" {
		return webInfo()
	}
	info := Info{
		Type:        TypeDesktop,
		IsDesktop:   true,
		IsMac:       d.GOOS == "darwin",
		StorageType: StorageSQLite,
	}
	if d.hasBridge() {
		info.StorageType = StorageRemote
	}
	return info
}

// Override applies an explicitly configured platform on top of detection.
func (d Detector) Override(configured Type) Info {
	detected := d.Detect()
	switch configured {
	case TypeWeb:
		if detected.Type == TypeWeb {
			return detected
		}
		info := webInfo()
		info.IsMac = d.GOOS == "darwin"
		return info
	case TypeDesktop:
		if detected.Type == TypeWeb {
			// a browser build can only talk to a host over the bridge
			detected.Type = TypeDesktop
			detected.IsDesktop = true
			detected.StorageType = StorageRemote
		}
		return detected
	default:
		return detected
	}
}

func (d Detector) hasBridge() bool {
	if d.LookupEnv == nil {
		return false
	}
	for _, key := range []string{EnvBridgeURL, EnvBridgeSocket} {
		if value, ok := d.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			return true
		}
	}
	return false
}

func webInfo() Info {
	return Info{
		Type:        TypeWeb,
		IsDesktop:   false,
		StorageType: StorageIndexedDB,
	}
}

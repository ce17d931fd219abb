//go:build !linux

package device

// createPlatformTAP returns an error on platforms without /dev/net/tun.
func createPlatformTAP(Config) (TAPDevice, error) {
	return nil, ErrTAPNotSupported
}

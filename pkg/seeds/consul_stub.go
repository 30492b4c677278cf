//go:build !consul

package seeds

// NewConsul returns nil when the consul build tag is not enabled.
func NewConsul(addr, service string, _ uint32) Source {
	if addr != "" {
		log.Warnf("consul seeds requested (addr=%s service=%s) but consul build tag not enabled; skipping", addr, service)
	}
	return nil
}

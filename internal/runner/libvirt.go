package runner

import (
	"errors"
	"fmt"
	"os"
	"time"

	libvirt "libvirt.org/go/libvirt"
)

// Start boots the prepared instance as a transient libvirt domain. The
// domain disappears from the hypervisor on shutdown; everything else it
// leaves behind lives in the run directory and is removed by Release.
func (d *LibvirtDriver) Start(instance Instance) (Instance, error) {
	if d.ConnectionURI == "" {
		return Instance{}, errors.New("libvirt connection URI is not configured")
	}
	if instance.DomainXMLPath == "" {
		return Instance{}, errors.New("instance has no domain definition")
	}

	domainXML, err := os.ReadFile(instance.DomainXMLPath)
	if err != nil {
		return Instance{}, fmt.Errorf("read domain definition: %w", err)
	}

	conn, err := libvirt.NewConnect(d.ConnectionURI)
	if err != nil {
		return Instance{}, fmt.Errorf("open libvirt connection %s: %w", d.ConnectionURI, err)
	}
	defer conn.Close()

	domain, err := conn.DomainCreateXML(string(domainXML), 0)
	if err != nil {
		return Instance{}, fmt.Errorf("start domain %s: %w", instance.DomainName, err)
	}
	defer domain.Free()

	d.logger().Info("sandbox instance started",
		"instance", instance.ID,
		"domain", instance.DomainName,
	)

	instance.State = InstanceRunning
	instance.StartedAt = time.Now().UTC()
	return instance, nil
}

// Release destroys the domain if it is still defined and removes the run
// directory. With force set, teardown continues past hypervisor errors so
// the workspace never outlives the instance.
func (d *LibvirtDriver) Release(instance Instance, force bool) error {
	var destroyErr error
	if instance.State == InstanceRunning && d.ConnectionURI != "" {
		destroyErr = d.destroyDomain(instance.DomainName)
		if destroyErr != nil && !force {
			return destroyErr
		}
	}

	if instance.RunDir != "" {
		if err := os.RemoveAll(instance.RunDir); err != nil {
			return fmt.Errorf("remove run directory %s: %w", instance.RunDir, err)
		}
	}

	d.logger().Info("sandbox instance released",
		"instance", instance.ID,
		"domain", instance.DomainName,
		"forced", force,
	)

	if destroyErr != nil {
		d.logger().Warn("domain teardown error ignored", "error", destroyErr)
	}
	return nil
}

func (d *LibvirtDriver) destroyDomain(name string) error {
	conn, err := libvirt.NewConnect(d.ConnectionURI)
	if err != nil {
		return fmt.Errorf("open libvirt connection %s: %w", d.ConnectionURI, err)
	}
	defer conn.Close()

	domain, err := conn.LookupDomainByName(name)
	if err != nil {
		if isLibvirtError(err, libvirt.ERR_NO_DOMAIN) {
			return nil
		}
		return fmt.Errorf("lookup domain %s: %w", name, err)
	}
	defer domain.Free()

	if err := domain.Destroy(); err != nil && !isLibvirtError(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
		return fmt.Errorf("destroy domain %s: %w", name, err)
	}
	return nil
}

func isLibvirtError(err error, codes ...libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return false
	}
	for _, code := range codes {
		if lverr.Code == code {
			return true
		}
	}
	return false
}

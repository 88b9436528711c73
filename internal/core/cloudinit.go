package core

import (
	"fmt"

	"github.com/3cpo-dev/knot/pkg/api"
	"gopkg.in/yaml.v3"
)

type cloudFile struct {
	Path        string `yaml:"path"`
	Permissions string `yaml:"permissions"`
	Content     string `yaml:"content"`
}

type cloudConfig struct {
	Hostname       string      `yaml:"hostname"`
	ManageEtcHosts bool        `yaml:"manage_etc_hosts"`
	SSHPwauth      bool        `yaml:"ssh_pwauth"`
	DisableRoot    bool        `yaml:"disable_root"`
	WriteFiles     []cloudFile `yaml:"write_files"`
}

const sshdHardening = `PermitRootLogin no
PasswordAuthentication no
ChallengeResponseAuthentication no
UsePAM yes
`

// UserData renders the cloud-init user data handed to a VM on deploy. It
// names the guest and hardens its SSH daemon.
func UserData(c *api.Compute) (string, error) {
	cfg := cloudConfig{
		Hostname:       c.Hostname,
		ManageEtcHosts: true,
		DisableRoot:    true,
		WriteFiles: []cloudFile{
			{Path: "/etc/ssh/sshd_config.d/99-knot.conf", Permissions: "0644", Content: sshdHardening},
			{Path: "/etc/knot/owner", Permissions: "0644", Content: c.Owner + "\n"},
		},
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render user data for %s: %w", c, err)
	}
	return "#cloud-config\n" + string(out), nil
}

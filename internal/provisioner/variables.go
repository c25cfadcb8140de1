package provisioner

import (
	"maps"

	"github.com/cyber-range/engine/pkg/config"
	"github.com/google/uuid"
)

// Credentials are the cloud account settings injected into every deployment.
type Credentials struct {
	Username      string
	Password      string
	ProjectID     string
	AuthURL       string
	Region        string
	UserDomain    string
	ProjectDomain string
	KeypairName   string
	VictimImage   string
}

// CredentialsFromConfig copies the OpenStack settings out of cfg.
func CredentialsFromConfig(cfg *config.Config) Credentials {
	return Credentials{
		Username:      cfg.OSUsername,
		Password:      cfg.OSPassword,
		ProjectID:     cfg.OSProjectID,
		AuthURL:       cfg.OSAuthURL,
		Region:        cfg.OSRegionName,
		UserDomain:    cfg.OSUserDomainName,
		ProjectDomain: cfg.OSProjectDomainName,
		KeypairName:   cfg.KeypairName,
		VictimImage:   cfg.VictimImageName,
	}
}

func (c Credentials) variables() map[string]string {
	return map[string]string{
		"os_user_name":      c.Username,
		"os_password":       c.Password,
		"os_tenant_id":      c.ProjectID,
		"os_auth_url":       c.AuthURL,
		"os_region":         c.Region,
		"os_user_domain":    c.UserDomain,
		"os_project_domain": c.ProjectDomain,
		"victim_image_name": c.VictimImage,
	}
}

// ResourceNames returns the per-deployment resource names. Every name carries
// the deployment id so concurrent deployments in one cloud project never collide.
func ResourceNames(keypairPrefix string, id uuid.UUID) map[string]string {
	s := id.String()
	return map[string]string{
		"keypair_name":   keypairPrefix + "-" + s,
		"vm_name":        "attack-" + s,
		"log_vm_name":    "soc-" + s,
		"victim_vm_name": "victim-" + s,
		"net_name":       "net-" + s,
		"subnet_name":    "sub-" + s,
	}
}

// BuildVariables layers credentials, per-deployment names, scenario variables
// and user overrides. Later layers win.
func BuildVariables(creds Credentials, id uuid.UUID, scenarioVars, overrides map[string]string) map[string]string {
	vars := creds.variables()
	maps.Copy(vars, ResourceNames(creds.KeypairName, id))
	maps.Copy(vars, scenarioVars)
	maps.Copy(vars, overrides)
	return vars
}

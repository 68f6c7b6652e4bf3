package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"readiness/internal/domain"
)

// Config models readiness.yml.
type Config struct {
	Catalog struct {
		FinancingTypes      []string    `yaml:"financing_types"`
		FinancingModalities []string    `yaml:"financing_modalities"`
		Stages              []StageSpec `yaml:"stages"`
	} `yaml:"catalog"`
	Organizations []OrganizationSpec `yaml:"organizations"`
	RBAC          struct {
		Roles map[string]RBACRole `yaml:"roles"`
		// Assignments grants roles to actors that authenticate without a
		// token carrying roles.
		Assignments map[string][]string `yaml:"assignments"`
		DefaultRole string              `yaml:"default_role"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig subscribes a URL to readiness events. An empty Events list
// receives everything.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type StageSpec struct {
	ID    string     `yaml:"id"`
	Title string     `yaml:"title"`
	Items []ItemSpec `yaml:"items"`
}

// ItemSpec is one checklist item. Empty restriction lists apply to all
// values on that axis.
type ItemSpec struct {
	ID                  string   `yaml:"id"`
	Title               string   `yaml:"title"`
	Description         string   `yaml:"description"`
	Required            *bool    `yaml:"required"`
	FinancingTypes      []string `yaml:"financing_types"`
	FinancingModalities []string `yaml:"financing_modalities"`
	InfrastructureOnly  bool     `yaml:"infrastructure_only"`
}

type OrganizationSpec struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	ShortName      string `yaml:"short_name"`
	IATIIdentifier string `yaml:"iati_identifier"`
	Type           string `yaml:"type"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

const (
	PermRead    = "readiness.read"
	PermWrite   = "readiness.write"
	PermSignoff = "readiness.signoff"
)

var knownPermissions = map[string]bool{PermRead: true, PermWrite: true, PermSignoff: true}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with readiness catalog init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Catalog.Stages) == 0 {
		return fmt.Errorf("config.catalog.stages is required")
	}
	if err := uniqueNonEmpty("config.catalog.financing_types", c.Catalog.FinancingTypes); err != nil {
		return err
	}
	if err := uniqueNonEmpty("config.catalog.financing_modalities", c.Catalog.FinancingModalities); err != nil {
		return err
	}
	types := toSet(c.Catalog.FinancingTypes)
	modalities := toSet(c.Catalog.FinancingModalities)
	stageIDs := map[string]bool{}
	itemIDs := map[string]bool{}
	for _, st := range c.Catalog.Stages {
		if st.ID == "" {
			return fmt.Errorf("config.catalog.stages contains empty stage id")
		}
		if stageIDs[st.ID] {
			return fmt.Errorf("stage %s is defined twice", st.ID)
		}
		stageIDs[st.ID] = true
		for _, it := range st.Items {
			if it.ID == "" {
				return fmt.Errorf("stage %s has item with empty id", st.ID)
			}
			if itemIDs[it.ID] {
				return fmt.Errorf("item %s is defined twice", it.ID)
			}
			itemIDs[it.ID] = true
			for _, ft := range it.FinancingTypes {
				if !types[ft] {
					return fmt.Errorf("item %s references unknown financing type %s", it.ID, ft)
				}
			}
			for _, fm := range it.FinancingModalities {
				if !modalities[fm] {
					return fmt.Errorf("item %s references unknown financing modality %s", it.ID, fm)
				}
			}
		}
	}
	orgIDs := map[string]bool{}
	for _, o := range c.Organizations {
		if o.ID == "" || o.Name == "" {
			return fmt.Errorf("config.organizations entries need id and name")
		}
		if orgIDs[o.ID] {
			return fmt.Errorf("organization %s is defined twice", o.ID)
		}
		orgIDs[o.ID] = true
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if !knownPermissions[perm] {
					return fmt.Errorf("role %s has unknown permission %q", roleID, perm)
				}
			}
		}
	}
	for actor, roles := range c.RBAC.Assignments {
		for _, r := range roles {
			if _, ok := c.RBAC.Roles[r]; !ok {
				return fmt.Errorf("actor %s assigned unknown role %s", actor, r)
			}
		}
	}
	if c.RBAC.DefaultRole != "" {
		if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
			return fmt.Errorf("config.rbac.default_role references unknown role %s", c.RBAC.DefaultRole)
		}
	}
	for i, hook := range c.Webhooks {
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) URL", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// RolesFor returns the roles assigned to actorID, falling back to the
// default role.
func (c *Config) RolesFor(actorID string) []string {
	if roles, ok := c.RBAC.Assignments[actorID]; ok {
		return append([]string(nil), roles...)
	}
	if c.RBAC.DefaultRole != "" {
		return []string{c.RBAC.DefaultRole}
	}
	return nil
}

// DomainCatalog converts the YAML catalog into domain reference data. Positions
// follow declaration order.
func (c *Config) DomainCatalog() domain.Catalog {
	cat := domain.Catalog{
		FinancingTypes:      append([]string(nil), c.Catalog.FinancingTypes...),
		FinancingModalities: append([]string(nil), c.Catalog.FinancingModalities...),
	}
	for si, st := range c.Catalog.Stages {
		title := st.Title
		if title == "" {
			title = st.ID
		}
		cat.Stages = append(cat.Stages, domain.Stage{ID: st.ID, Title: title, Position: si + 1})
		for ii, it := range st.Items {
			required := true
			if it.Required != nil {
				required = *it.Required
			}
			cat.Items = append(cat.Items, domain.ChecklistItemTemplate{
				ID:                  it.ID,
				StageID:             st.ID,
				Title:               it.Title,
				Description:         it.Description,
				Position:            ii + 1,
				Required:            required,
				FinancingTypes:      append([]string(nil), it.FinancingTypes...),
				FinancingModalities: append([]string(nil), it.FinancingModalities...),
				InfrastructureOnly:  it.InfrastructureOnly,
			})
		}
	}
	return cat
}

func (c *Config) DomainOrganizations() []domain.Organization {
	out := make([]domain.Organization, 0, len(c.Organizations))
	for _, o := range c.Organizations {
		out = append(out, domain.Organization{
			ID:             o.ID,
			Name:           o.Name,
			ShortName:      o.ShortName,
			IATIIdentifier: o.IATIIdentifier,
			Type:           o.Type,
		})
	}
	return out
}

// Permissions returns the union of permissions granted by roles. Unknown
// roles grant nothing.
func (c *Config) Permissions(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range roles {
		role, ok := c.RBAC.Roles[r]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "readiness.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in catalog.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func uniqueNonEmpty(field string, values []string) error {
	seen := map[string]bool{}
	for _, v := range values {
		if v == "" {
			return fmt.Errorf("%s contains an empty value", field)
		}
		if seen[v] {
			return fmt.Errorf("%s lists %s twice", field, v)
		}
		seen[v] = true
	}
	return nil
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

const defaultTemplate = `catalog:
  financing_types: [grant, loan, concessional_loan, equity, guarantee, other]
  financing_modalities: [standard, pooled_fund, budget_support, results_based]
  stages:
    - id: identification
      title: Identification
      items:
        - id: concept-note
          title: Concept note approved
          description: Concept note reviewed and approved by the line ministry
        - id: alignment
          title: Alignment with national development plan
        - id: stakeholder-consultation
          title: Stakeholder consultation held
          required: false
    - id: appraisal
      title: Appraisal
      items:
        - id: feasibility-study
          title: Feasibility study completed
        - id: environmental-assessment
          title: Environmental and social impact assessment
          infrastructure_only: true
        - id: land-acquisition
          title: Land acquisition plan
          infrastructure_only: true
        - id: debt-sustainability
          title: Debt sustainability analysis
          financing_types: [loan, concessional_loan]
        - id: results-framework
          title: Disbursement-linked indicators agreed
          financing_modalities: [results_based]
    - id: approval
      title: Approval and signature
      items:
        - id: financing-agreement
          title: Financing agreement signed
        - id: parliament-ratification
          title: Parliamentary ratification
          financing_types: [loan, concessional_loan, guarantee]
        - id: pooled-fund-mou
          title: Pooled fund memorandum of understanding
          financing_modalities: [pooled_fund]
        - id: budget-inscription
          title: Activity inscribed in national budget
          financing_modalities: [budget_support, standard]

organizations:
  - id: mof
    name: Ministry of Finance
    short_name: MoF
    iati_identifier: XM-GOV-MOF
    type: government
  - id: mop
    name: Ministry of Planning
    short_name: MoP
    type: government
  - id: dpa
    name: Development Partners Association
    type: ngo

rbac:
  roles:
    admin:
      description: Catalog administrators and unit heads
      permissions: [readiness.read, readiness.write, readiness.signoff]
    officer:
      description: Activity focal points
      permissions: [readiness.read, readiness.write]
    viewer:
      description: Read-only access
      permissions: [readiness.read]
  assignments:
    local: [admin]
  default_role: viewer
`

package provision

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// CellTemplate describes how every cell stack is built. Templates are stored
// as YAML and versioned by the state store.
type CellTemplate struct {
	// Version is a free-form label such as "v3", shown in listings.
	Version string `yaml:"version" json:"version"`

	// ImageURI is the container image cells run unless a rollout overrides it.
	ImageURI string `yaml:"image_uri" json:"image_uri"`

	CPU           int `yaml:"cpu" json:"cpu"`
	Memory        int `yaml:"memory" json:"memory"`
	ContainerPort int `yaml:"container_port" json:"container_port"`

	// Endpoint is the DNS name pattern of a cell. ${CELL_ID} and ${PORT} are expanded.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	DesiredCount int `yaml:"desired_count" json:"desired_count"`
}

// DefaultEndpoint serves every cell on its own local port.
const DefaultEndpoint = "localhost:${PORT}"

const templateSchema = `
#CellTemplate: {
	version:        string & !=""
	image_uri:      string & =~"^[^\\s]+$"
	cpu:            int & >0
	memory:         int & >=cpu
	container_port: int & >0 & <65536
	endpoint:       string & =~"^[^\\s]+$"
	desired_count:  int & >=0
}

#StackInput: {
	stack_name:       string & =~"^Cell-[a-z0-9-]+$"
	cell_id:          string & =~"^[a-z0-9-]+$"
	template_version: int & >0
	image_uri:        string
	stage:            "prod" | "sandbox"
}
`

// Schema validates templates and stack inputs with CUE.
type Schema struct {
	mu       sync.Mutex
	template cue.Value
	input    cue.Value
	ctx      *cue.Context
}

// NewSchema compiles the built-in schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(templateSchema)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile template schema: %w", err)
	}

	return &Schema{
		ctx:      ctx,
		template: val.LookupPath(cue.ParsePath("#CellTemplate")),
		input:    val.LookupPath(cue.ParsePath("#StackInput")),
	}, nil
}

// ValidateTemplate checks a template against the #CellTemplate definition.
func (s *Schema) ValidateTemplate(tmpl *CellTemplate) error {
	return s.validate(s.template, tmpl)
}

// ValidateInput checks a stack input against the #StackInput definition.
func (s *Schema) ValidateInput(input StackInput) error {
	return s.validate(s.input, input)
}

func (s *Schema) validate(def cue.Value, data interface{}) error {
	// cue.Context is not safe for concurrent use
	s.mu.Lock()
	defer s.mu.Unlock()

	val := s.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", formatCUEError(err))
	}
	return nil
}

func formatCUEError(err error) string {
	errs := cueerrors.Errors(err)
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, cueerrors.Details(e, nil))
	}
	return strings.TrimSpace(strings.Join(msgs, "; "))
}

// ParseTemplate decodes template YAML and validates it against the schema.
func (s *Schema) ParseTemplate(content string) (*CellTemplate, error) {
	var tmpl CellTemplate
	if err := yaml.Unmarshal([]byte(content), &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if tmpl.Endpoint == "" {
		tmpl.Endpoint = DefaultEndpoint
	}
	if err := s.ValidateTemplate(&tmpl); err != nil {
		return nil, err
	}
	return &tmpl, nil
}

// GenerateTemplate renders the default cell template for an image.
func GenerateTemplate(version, imageURI string) (string, error) {
	tmpl := CellTemplate{
		Version:       version,
		ImageURI:      imageURI,
		CPU:           256,
		Memory:        512,
		ContainerPort: 8080,
		Endpoint:      DefaultEndpoint,
		DesiredCount:  1,
	}
	out, err := yaml.Marshal(&tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return string(out), nil
}

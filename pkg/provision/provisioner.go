// Package provision creates, updates and deletes the stacks backing cells.
//
// The local provisioner stands in for a cloud provisioning engine: it renders
// the stored cell template, allocates a port per cell and records the stack
// with its outputs in the state store.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/openfroyo/cellular/pkg/engine"
	"github.com/openfroyo/cellular/pkg/stores"
	"github.com/rs/zerolog"
)

// Stack output keys.
const (
	OutputDNSName     = "dnsName"
	OutputTableName   = "ddbTableName"
	OutputServiceName = "serviceName"
	OutputClusterName = "clusterName"
)

// Stack statuses recorded by the local provisioner.
const (
	StatusCreateComplete = "CREATE_COMPLETE"
	StatusUpdateComplete = "UPDATE_COMPLETE"
)

// Stack kinds.
const (
	KindCell   = "cell"
	KindRouter = "router"
)

// RouterStackName is the stack holding the router endpoint.
const RouterStackName = "Router"

// StackInput holds the parameters of a cell stack.
type StackInput struct {
	StackName       string       `json:"stack_name"`
	CellID          string       `json:"cell_id"`
	TemplateVersion int          `json:"template_version"`
	ImageURI        string       `json:"image_uri"`
	Stage           stores.Stage `json:"stage"`
}

// Provisioner manages cell stacks.
type Provisioner interface {
	CreateStack(ctx context.Context, input StackInput) (*stores.Stack, error)
	UpdateStack(ctx context.Context, input StackInput) (*stores.Stack, error)
	DeleteStack(ctx context.Context, stackName string) error
	DescribeStack(ctx context.Context, stackName string) (*stores.Stack, error)
}

// TableName returns the item table name of a cell.
func TableName(cellID string) string {
	return "cell-" + cellID + "-items"
}

// LocalProvisioner records stacks in the state store.
type LocalProvisioner struct {
	store    stores.Store
	schema   *Schema
	basePort int
	logger   zerolog.Logger

	// mu serializes port allocation
	mu sync.Mutex
}

// NewLocalProvisioner creates a provisioner allocating cell ports from basePort.
func NewLocalProvisioner(store stores.Store, basePort int, logger zerolog.Logger) (*LocalProvisioner, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	if basePort <= 0 {
		basePort = 9001
	}
	return &LocalProvisioner{
		store:    store,
		schema:   schema,
		basePort: basePort,
		logger:   logger.With().Str("component", "provisioner").Logger(),
	}, nil
}

// Schema returns the template schema used by the provisioner.
func (p *LocalProvisioner) Schema() *Schema {
	return p.schema
}

// CreateStack creates the stack of a new cell.
func (p *LocalProvisioner) CreateStack(ctx context.Context, input StackInput) (*stores.Stack, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.store.GetStack(ctx, input.StackName); err == nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("stack %s already exists", input.StackName), nil).
			WithCode(engine.ErrCodeAlreadyExists).WithResource(input.CellID)
	} else if !errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewTransientError("failed to read stack", err).WithCode(engine.ErrCodeInternal)
	}

	port, err := p.nextPort(ctx)
	if err != nil {
		return nil, err
	}

	stack, err := p.render(ctx, input, port)
	if err != nil {
		return nil, err
	}
	stack.Status = StatusCreateComplete

	if err := p.store.SaveStack(ctx, stack); err != nil {
		return nil, engine.NewTransientError("failed to save stack", err).
			WithCode(engine.ErrCodeProvisionFailed).WithResource(input.CellID)
	}

	p.logger.Info().
		Str("stack", stack.Name).
		Int("template_version", stack.TemplateVersion).
		Str("dns_name", stack.Outputs[OutputDNSName]).
		Msg("Stack created")
	return stack, nil
}

// UpdateStack moves an existing cell stack to a new template version or image.
// The cell keeps its port.
func (p *LocalProvisioner) UpdateStack(ctx context.Context, input StackInput) (*stores.Stack, error) {
	current, err := p.DescribeStack(ctx, input.StackName)
	if err != nil {
		return nil, err
	}

	port, err := strconv.Atoi(current.Parameters["port"])
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("stack %s has no port parameter", input.StackName), err).
			WithCode(engine.ErrCodeProvisionFailed).WithResource(input.CellID)
	}

	stack, err := p.render(ctx, input, port)
	if err != nil {
		return nil, err
	}
	stack.Status = StatusUpdateComplete
	stack.CreatedAt = current.CreatedAt

	if err := p.store.SaveStack(ctx, stack); err != nil {
		return nil, engine.NewTransientError("failed to save stack", err).
			WithCode(engine.ErrCodeProvisionFailed).WithResource(input.CellID)
	}

	p.logger.Info().
		Str("stack", stack.Name).
		Int("from_version", current.TemplateVersion).
		Int("to_version", stack.TemplateVersion).
		Msg("Stack updated")
	return stack, nil
}

// DeleteStack removes a stack. Deleting a missing stack succeeds.
func (p *LocalProvisioner) DeleteStack(ctx context.Context, stackName string) error {
	err := p.store.DeleteStack(ctx, stackName)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return engine.NewTransientError("failed to delete stack", err).WithCode(engine.ErrCodeProvisionFailed)
	}
	p.logger.Info().Str("stack", stackName).Msg("Stack deleted")
	return nil
}

// DescribeStack returns a stack with its outputs.
func (p *LocalProvisioner) DescribeStack(ctx context.Context, stackName string) (*stores.Stack, error) {
	stack, err := p.store.GetStack(ctx, stackName)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, engine.NewPermanentError(fmt.Sprintf("stack %s not found", stackName), err).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, engine.NewTransientError("failed to read stack", err).WithCode(engine.ErrCodeInternal)
	}
	return stack, nil
}

// DeployRouter records the router stack with its public address.
func (p *LocalProvisioner) DeployRouter(ctx context.Context, dnsName string) (*stores.Stack, error) {
	stack := &stores.Stack{
		Name:       RouterStackName,
		Kind:       KindRouter,
		Status:     StatusCreateComplete,
		Parameters: map[string]string{},
		Outputs:    map[string]string{OutputDNSName: dnsName},
	}
	if err := p.store.SaveStack(ctx, stack); err != nil {
		return nil, fmt.Errorf("failed to save router stack: %w", err)
	}
	return stack, nil
}

// render builds the stack of a cell from the stored template version.
func (p *LocalProvisioner) render(ctx context.Context, input StackInput, port int) (*stores.Stack, error) {
	if err := p.schema.ValidateInput(input); err != nil {
		return nil, engine.NewPermanentError("invalid stack input", err).
			WithCode(engine.ErrCodeValidation).WithResource(input.CellID)
	}

	stored, err := p.store.GetTemplate(ctx, input.TemplateVersion)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("template version %d unavailable", input.TemplateVersion), err).
			WithCode(engine.ErrCodeNotFound).WithResource(input.CellID)
	}

	tmpl, err := p.schema.ParseTemplate(stored.Content)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("template version %d is invalid", input.TemplateVersion), err).
			WithCode(engine.ErrCodeValidation).WithResource(input.CellID)
	}

	image := input.ImageURI
	if image == "" {
		image = tmpl.ImageURI
	}

	portStr := strconv.Itoa(port)
	dnsName := os.Expand(tmpl.Endpoint, func(key string) string {
		switch key {
		case "CELL_ID":
			return input.CellID
		case "PORT":
			return portStr
		default:
			return ""
		}
	})

	return &stores.Stack{
		Name: input.StackName,
		Kind: KindCell,
		Parameters: map[string]string{
			"cellId":   input.CellID,
			"imageUri": image,
			"stage":    string(input.Stage),
			"port":     portStr,
		},
		Outputs: map[string]string{
			OutputDNSName:     dnsName,
			OutputTableName:   TableName(input.CellID),
			OutputServiceName: "cell-" + input.CellID + "-service",
			OutputClusterName: "cell-" + input.CellID + "-cluster",
		},
		TemplateVersion: stored.Version,
		TemplateHash:    stored.Hash,
	}, nil
}

// nextPort returns one past the highest port held by a cell stack.
func (p *LocalProvisioner) nextPort(ctx context.Context) (int, error) {
	stacks, err := p.store.ListStacks(ctx, KindCell)
	if err != nil {
		return 0, engine.NewTransientError("failed to list stacks", err).WithCode(engine.ErrCodeInternal)
	}

	port := p.basePort
	for _, stack := range stacks {
		used, err := strconv.Atoi(stack.Parameters["port"])
		if err == nil && used >= port {
			port = used + 1
		}
	}
	return port, nil
}

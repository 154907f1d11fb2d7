package policy

import (
	"time"
)

// Built-in policy names.
const (
	PolicyCellIDFormat     = "cell-id-format"
	PolicySandboxFirst     = "sandbox-first"
	PolicyProtectedSandbox = "protected-sandbox"
	PolicyImagePinned      = "image-pinned"
	PolicyMaxParallel      = "max-parallel"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		cellIDFormatPolicy(),
		sandboxFirstPolicy(),
		protectedSandboxPolicy(),
		imagePinnedPolicy(),
		maxParallelPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// cellIDFormatPolicy keeps cell IDs usable as DNS labels and table names.
func cellIDFormatPolicy() Policy {
	return builtin(Policy{
		Name:        PolicyCellIDFormat,
		Description: "Cell IDs contain only lowercase letters, numbers, and hyphens",
		Severity:    SeverityError,
		Tags:        []string{"naming"},
		Rego: `package cellular.policies.cell_id_format

import rego.v1

deny contains violation if {
	some cell in input.cells
	not regex.match("^[a-z0-9-]+$", cell.id)
	violation := {
		"message": sprintf("Cell ID '%s' must contain only lowercase letters, numbers, and hyphens", [cell.id]),
		"resource": cell.id,
	}
}
`,
	})
}

// sandboxFirstPolicy requires every rollout to pass the sandbox canary
// before touching another cell.
func sandboxFirstPolicy() Policy {
	return builtin(Policy{
		Name:        PolicySandboxFirst,
		Description: "Rollouts deploy and canary the sandbox cell before any other cell",
		Severity:    SeverityError,
		Tags:        []string{"rollout", "safety"},
		Rego: `package cellular.policies.sandbox_first

import rego.v1

gate := sprintf("canary:%s", [input.settings.sandbox_cell])

deny contains violation if {
	input.operation == "rollout"
	not input.settings.allow_without_sandbox
	some unit in input.plan.units
	unit.operation in {"deploy", "create"}
	unit.cell_id != input.settings.sandbox_cell
	not gate in unit.dependencies
	violation := {
		"message": sprintf("Cell %s is deployed before the sandbox canary %s passed", [unit.cell_id, gate]),
		"resource": unit.cell_id,
	}
}
`,
	})
}

// protectedSandboxPolicy denies removing the sandbox cell.
func protectedSandboxPolicy() Policy {
	return builtin(Policy{
		Name:        PolicyProtectedSandbox,
		Description: "The sandbox cell cannot be deleted",
		Severity:    SeverityError,
		Tags:        []string{"safety"},
		Rego: `package cellular.policies.protected_sandbox

import rego.v1

deny contains violation if {
	input.operation == "delete"
	some cell in input.cells
	cell.id == input.settings.sandbox_cell
	violation := {
		"message": sprintf("Cell %s is the sandbox and cannot be deleted", [cell.id]),
		"resource": cell.id,
	}
}

deny contains violation if {
	some unit in input.plan.units
	unit.operation == "delete"
	unit.cell_id == input.settings.sandbox_cell
	violation := {
		"message": sprintf("Plan unit %s deletes the sandbox cell", [unit.id]),
		"resource": unit.cell_id,
	}
}
`,
	})
}

// imagePinnedPolicy warns about images that float with their registry.
func imagePinnedPolicy() Policy {
	return builtin(Policy{
		Name:        PolicyImagePinned,
		Description: "Cell images are pinned to a tag other than latest or to a digest",
		Severity:    SeverityWarning,
		Tags:        []string{"images"},
		Rego: `package cellular.policies.image_pinned

import rego.v1

deny contains violation if {
	some cell in input.cells
	cell.image_uri != ""
	not pinned(cell.image_uri)
	violation := {
		"message": sprintf("Image '%s' of cell %s is not pinned to a tag or digest", [cell.image_uri, cell.id]),
		"resource": cell.id,
	}
}

pinned(image) if contains(image, "@sha256:")

pinned(image) if {
	not contains(image, "@")
	tag := image_tag(image)
	tag != ""
	tag != "latest"
}

# the tag lives in the last path segment, so registry ports are ignored
image_tag(image) := tag if {
	parts := split(image, "/")
	last := parts[count(parts) - 1]
	contains(last, ":")
	segments := split(last, ":")
	tag := segments[count(segments) - 1]
}
`,
	})
}

// maxParallelPolicy warns when one DAG level deploys more cells than configured.
func maxParallelPolicy() Policy {
	return builtin(Policy{
		Name:        PolicyMaxParallel,
		Description: "Rollouts deploy at most max_parallel cells at once",
		Severity:    SeverityWarning,
		Tags:        []string{"rollout"},
		Rego: `package cellular.policies.max_parallel

import rego.v1

deploys_at(order) := [unit |
	some unit in input.plan.units
	unit.operation in {"deploy", "create"}
	unit.execution_order == order
]

deny contains violation if {
	input.operation == "rollout"
	limit := input.settings.max_parallel
	limit > 0
	orders := {unit.execution_order | some unit in input.plan.units; unit.operation in {"deploy", "create"}}
	some order in orders
	n := count(deploys_at(order))
	n > limit
	violation := {
		"message": sprintf("Rollout deploys %d cells at level %d, more than max_parallel %d", [n, order, limit]),
		"resource": input.plan.id,
	}
}
`,
	})
}

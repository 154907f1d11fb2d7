// Package policy evaluates Open Policy Agent (OPA) Rego policies before cells
// are created, deleted or rolled out.
//
// # Architecture
//
//  1. Engine - Compiles policies into prepared deny queries and evaluates them
//  2. Loader - Loads .rego files and YAML policy documents, watching them for changes
//  3. Built-in Policies - Rollout safety rules shipped with the binary
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Settings{
//	    SandboxCell: "sandbox",
//	    MaxParallel: 5,
//	})
//	if err != nil {
//	    return err
//	}
//
//	result, err := eng.EvaluatePlan(ctx, plan)
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Input
//
// Every policy sees the same input document:
//
//	{
//	  "operation": "rollout",
//	  "cells": [{"id": "cell-a", "stage": "prod", "image_uri": "...", "operation": "deploy"}],
//	  "plan": {"id": "...", "units": [{"id": "deploy:cell-a", "cell_id": "cell-a",
//	           "operation": "deploy", "execution_order": 2, "dependencies": ["canary:sandbox"]}]},
//	  "settings": {"sandbox_cell": "sandbox", "max_parallel": 5, "allow_without_sandbox": false},
//	  "context": {"user": "", "timestamp": "...", "dry_run": false}
//	}
//
// The plan is only present for rollouts.
//
// # Built-in Policies
//
//  1. cell-id-format - Cell IDs match ^[a-z0-9-]+$ (error)
//  2. sandbox-first - Other cells wait for the sandbox canary (error)
//  3. protected-sandbox - The sandbox cannot be deleted (error)
//  4. image-pinned - Images use a real tag or a digest (warning)
//  5. max-parallel - A DAG level deploys at most max_parallel cells (warning)
//
// # Custom Policies
//
// A policy defines a deny set in its own package. Entries are strings or
// objects with message, severity and resource keys:
//
//	package cellular.custom.freeze
//
//	import rego.v1
//
//	# Rollouts are frozen over the weekend
//	# severity: error
//
//	deny contains violation if {
//	    input.operation == "rollout"
//	    time.weekday(time.now_ns()) in {"Saturday", "Sunday"}
//	    violation := {"message": "rollouts are frozen on weekends"}
//	}
//
// The leading comments become the description and a "# severity:" line sets
// the default severity. A custom policy named like a built-in replaces it.
//
// Violations of error or critical severity deny the operation; the rest are
// reported as warnings. Engine.Watch reloads custom policies when files under
// the loaded paths change. A reload that fails to compile keeps the previous
// set.
package policy

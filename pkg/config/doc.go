// Package config loads the drwave service configuration and recovery plans.
//
// # Service configuration
//
// Load reads a YAML file over Default, applies the DRWAVE_* environment
// overrides and validates every section:
//
//	store:
//	  driver: dynamodb
//	  dynamodb:
//	    executions_table: dr-executions
//	    claims_table: dr-claims
//	    regions_table: dr-regions
//	    audit_table: dr-audit
//	aws:
//	  region: us-east-1
//	  cross_account_role: DRWaveCrossAccountRole
//	coordinator:
//	  schedule: "@every 30s"
//	  max_poll_errors: 10
//
// # Recovery plans
//
// PlanLoader accepts YAML, JSON or CUE plans. CUE plans may be a single file
// or a package directory, and the plan is either the whole document or its
// top-level "plan" field:
//
//	plan: {
//		plan_id:   "payments"
//		plan_name: "Payments tier"
//		kind:      "DRILL"
//		waves: [
//			{number: 0, name: "db", server_ids: ["s-0123456789abcdef0"]},
//			{number: 1, name: "app", server_ids: ["s-0123456789abcdef1"], depends_on: [0], pause_before: true},
//		]
//	}
//
// Every plan is checked against the built-in #Plan CUE schema, then the
// struct tags of engine.PlanSpec, then the wave graph rules of
// engine.ValidatePlan. Failures are INVALID_PLAN engine errors carrying the
// positioned ValidationErrors in their "errors" detail.
package config

// Package policy vets plans with Open Policy Agent before they are applied.
//
// A Guard holds compiled Rego modules. Each module must define a deny set;
// every element is either a string or an object with message, target and
// severity keys:
//
//	package site.office
//
//	import rego.v1
//
//	deny contains violation if {
//		some op in input.plan.ops
//		op.target == "service/Ethernet"
//		op.kind == "delete"
//		violation := {"message": "Ethernet is managed by IT", "severity": "error"}
//	}
//
// The input document is {"plan": ..., "current": ..., "evaluated_at": ...},
// the JSON form of engine.Plan and engine.SystemState.
//
// Violations with severity error deny the plan: EvaluatePlan returns an error
// matching engine.ErrPolicyDenied and nothing is executed. Other severities
// become plan warnings.
//
// The built-in policies are:
//
//   - connectivity: denies plans that sever every active service
//   - teardown: warns on every removed entity
//   - dns-clear: warns when an enabled service loses all DNS servers
//
// Additional policies are loaded from .rego files (named after the file, with
// an optional "# severity: error" header comment) and .json files holding a
// serialized Policy. Loader.Watch reloads them on change.
package policy

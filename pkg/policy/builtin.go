package policy

// BuiltinPolicies returns the policies every guard starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		connectivityPolicy(),
		teardownPolicy(),
		dnsClearPolicy(),
	}
}

// connectivityPolicy denies plans that leave the host without any enabled
// service that has IPv4 addressing.
func connectivityPolicy() Policy {
	return Policy{
		Name:        "connectivity",
		Description: "Denies plans that disable, remove or unaddress every active network service",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package netconverge.connectivity

import rego.v1

service_name(target) := name if {
	startswith(target, "service/")
	name := substring(target, count("service/"), -1)
}

active contains svc.name if {
	some svc in input.current.services
	svc.enabled
	svc.ipv4.mode != "off"
}

severed contains name if {
	some op in input.plan.ops
	op.kind == "delete"
	not op.attribute
	name := service_name(op.target)
}

severed contains name if {
	some op in input.plan.ops
	op.kind == "disable"
	op.attribute == "enabled"
	name := service_name(op.target)
}

severed contains name if {
	some op in input.plan.ops
	op.attribute == "ipv4"
	op.desired == "off"
	name := service_name(op.target)
}

restored if {
	some op in input.plan.ops
	op.kind == "enable"
	op.attribute == "enabled"
}

restored if {
	some op in input.plan.ops
	op.attribute == "ipv4"
	op.desired != "off"
	name := service_name(op.target)
	not name in severed
}

deny contains violation if {
	count(active) > 0
	every name in active {
		name in severed
	}
	not restored
	violation := {
		"message": sprintf("plan leaves no active network service (severs %s)", [concat(", ", sort(active))]),
		"target": sprintf("location/%s", [input.plan.location]),
	}
}
`,
	}
}

// teardownPolicy warns about every entity a plan removes.
func teardownPolicy() Policy {
	return Policy{
		Name:        "teardown",
		Description: "Warns when a plan removes a service, interface or profile",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package netconverge.teardown

import rego.v1

deny contains violation if {
	some op in input.plan.ops
	op.kind == "delete"
	not op.attribute
	violation := {
		"message": sprintf("plan removes %s", [op.target]),
		"target": op.target,
	}
}
`,
	}
}

// dnsClearPolicy warns when a plan empties the resolver list of an enabled service.
func dnsClearPolicy() Policy {
	return Policy{
		Name:        "dns-clear",
		Description: "Warns when a plan clears the DNS servers of an enabled service",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package netconverge.dns

import rego.v1

deny contains violation if {
	some op in input.plan.ops
	op.attribute == "dns"
	op.desired == "(none)"
	startswith(op.target, "service/")
	name := substring(op.target, count("service/"), -1)
	some svc in input.current.services
	svc.name == name
	svc.enabled
	violation := {
		"message": sprintf("plan clears DNS servers on enabled service %s", [name]),
		"target": op.target,
	}
}
`,
	}
}

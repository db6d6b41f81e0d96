package config

// documentSchema constrains CUE desired-state documents. Documents are
// unified with #Desired, so unknown regular fields are rejected; hidden
// fields and let bindings remain available for local helpers.
const documentSchema = `
#Presence: "present" | "absent"

#IPv4: {
	mode:         "manual" | "dhcp" | "bootp" | "manual_with_dhcp_router" | "off"
	address?:     string
	subnet_mask?: string
	router?:      string
	client_id?:   string
	if mode == "manual" {
		address:     string
		subnet_mask: string
	}
}

#IPv6: {
	mode:           "off" | "automatic" | "link_local" | "manual"
	address?:       string
	prefix_length?: int & >=1 & <=128
	router?:        string
}

#Route: {
	destination: string
	mask:        string
	gateway:     string
}

#Proxy: {
	enabled:        bool
	server?:        string
	port?:          int & >=1 & <=65535
	authenticated?: bool
	username?:      string
	password?:      string
}

#Proxies: {
	web?:               #Proxy
	secure_web?:        #Proxy
	socks?:             #Proxy
	mirror_secure_web?: bool
	bypass_domains?: [...string]
	auto_discovery?: bool
}

#Service: {
	name:           string & !=""
	hardware_port?: string
	ensure?:        #Presence
	enabled?:       bool
	ipv4?:          #IPv4
	ipv6?:          #IPv6
	dns_servers?: [...string]
	search_domains?: [...string]
	routes?: [...#Route]
	routes_v6?: [...#Route]
	proxies?: #Proxies
}

#Media: {
	subtype: string & !=""
	options?: [...string]
}

#Port: {
	device: string & !=""
	mtu?:   int & >=68 & <=65535
	media?: #Media
}

#VLAN: {
	name:          string & !=""
	parent_device: string & !=""
	tag:           int & >=1 & <=4094
	ensure?:       #Presence
}

#Bond: {
	name: string & !=""
	members?: [...string]
	ensure?: #Presence
}

#PreferredNetwork: {
	ssid:      string & !=""
	security?: string
	index?:    int & >=0
	password?: string
}

#Wireless: {
	device: string & !=""
	power?: bool
	network?: {
		ssid:      string & !=""
		password?: string
	}
	preferred?: [...#PreferredNetwork]
}

#PPPoE: {
	name:          string & !=""
	device?:       string
	account?:      string
	password?:     string
	service_name?: string
	connected?:    bool
	ensure?:       #Presence
}

#Profile: {
	scope:          "system" | "login" | "user"
	service?:       string
	name?:          string
	identity_file?: string
	passphrase?:    string
	enabled?:       bool
	ensure?:        #Presence
}

#Desired: {
	location:         string & !=""
	create_location?: bool
	computer_name?:   string & !=""
	services?: [...#Service]
	service_order?: [...string]
	ports?: [...#Port]
	vlans?: [...#VLAN]
	bonds?: [...#Bond]
	wireless?: [...#Wireless]
	pppoe?: [...#PPPoE]
	profiles?: [...#Profile]
}
`

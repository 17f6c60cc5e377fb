package parser

import "regexp"

// Built-in templates. Key casing intentionally differs between platform
// families (upper for cisco_ios, lower for arista_eos); the extraction
// policy must cope with both, so the templates keep their native shapes.
//
// Coverage is uneven on purpose: cisco_ios/cisco_xe have the full catalog,
// arista_eos lacks CDP (EOS speaks LLDP; the command errors on-device), and
// cisco_nxos has the table commands only. Anything else is parse_failed.
func registerBuiltins(r *Registry) {
	registerCiscoIOS(r)
	registerAristaEOS(r)
	registerCiscoNXOS(r)
}

var macAddr = `[0-9a-fA-F]{4}\.[0-9a-fA-F]{4}\.[0-9a-fA-F]{4}`

func registerCiscoIOS(r *Registry) {
	r.Register("cisco_ios", "show interfaces", &Template{
		Name:  "cisco_ios_show_interfaces",
		Mode:  ModeBlocks,
		Split: regexp.MustCompile(`(?m)^\S+ is `),
		Fields: []BlockField{
			{Key: "INTERFACE", Pattern: regexp.MustCompile(`(?m)^(\S+) is `)},
			{Key: "LINK_STATUS", Pattern: regexp.MustCompile(`(?m)^\S+ is (administratively down|up|down)`)},
			{Key: "PROTOCOL_STATUS", Pattern: regexp.MustCompile(`line protocol is (\w+)`)},
			{Key: "MAC_ADDRESS", Pattern: regexp.MustCompile(`address is (` + macAddr + `)`)},
			{Key: "DESCRIPTION", Pattern: regexp.MustCompile(`(?m)^\s+Description: (.+?)\s*$`)},
			{Key: "IP_ADDRESS", Pattern: regexp.MustCompile(`Internet address is (\S+)`), List: true},
			{Key: "MTU", Pattern: regexp.MustCompile(`MTU (\d+)`)},
			{Key: "BANDWIDTH", Pattern: regexp.MustCompile(`BW (\d+)`)},
			{Key: "DUPLEX", Pattern: regexp.MustCompile(`(Full|Half|Auto)-duplex`)},
			{Key: "SPEED", Pattern: regexp.MustCompile(`-duplex, ([\w./-]+)`)},
			{Key: "LAST_INPUT", Pattern: regexp.MustCompile(`Last input (\S+?),`)},
			{Key: "LAST_OUTPUT", Pattern: regexp.MustCompile(`Last input \S+, output (\S+?),`)},
			{Key: "INPUT_RATE", Pattern: regexp.MustCompile(`input rate (\d+)`)},
			{Key: "OUTPUT_RATE", Pattern: regexp.MustCompile(`output rate (\d+)`)},
			{Key: "INPUT_PACKETS", Pattern: regexp.MustCompile(`(\d+) packets input`)},
			{Key: "OUTPUT_PACKETS", Pattern: regexp.MustCompile(`(\d+) packets output`)},
			{Key: "INPUT_ERRORS", Pattern: regexp.MustCompile(`(\d+) input errors`)},
			{Key: "OUTPUT_ERRORS", Pattern: regexp.MustCompile(`(\d+) output errors`)},
			{Key: "RESETS", Pattern: regexp.MustCompile(`(\d+) interface resets`)},
		},
	})

	r.Register("cisco_ios", "show ip arp", &Template{
		Name: "cisco_ios_show_ip_arp",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^Internet\s+(?P<IP_ADDRESS>\d{1,3}(?:\.\d{1,3}){3})\s+(?P<AGE>\S+)\s+(?P<MAC_ADDRESS>` +
				macAddr + `)\s+(?P<TYPE>\S+)\s+(?P<INTERFACE>\S+)\s*$`),
	})

	// Tolerates the two-line wrap IOS uses for long device IDs.
	r.Register("cisco_ios", "show cdp neighbors", &Template{
		Name: "cisco_ios_show_cdp_neighbors",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^(?P<NEIGHBOR>[\w.\-]+)[ \t]*\n?[ \t]+` +
				`(?P<LOCAL_INTERFACE>[A-Za-z]{2,}[a-z]* ?[\d/.]+)\s+` +
				`(?P<HOLDTIME>\d+)\s+` +
				`(?P<CAPABILITY>[A-Za-z\- ]+?)\s{2,}` +
				`(?P<PLATFORM>\S+)\s+` +
				`(?P<NEIGHBOR_INTERFACE>[A-Za-z]{2,}[a-z]* ?[\d/.]+)[ \t]*$`),
	})

	r.Register("cisco_ios", "show mac address-table", &Template{
		Name: "cisco_ios_show_mac_address_table",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^[ \t]*(?P<VLAN>\d+|All)\s+(?P<MAC_ADDRESS>` + macAddr +
				`)\s+(?P<TYPE>[A-Za-z]+)\s+(?P<PORTS>\S+)[ \t]*$`),
	})

	routes := &Template{
		Name: "cisco_ios_show_ip_route",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^(?P<PROTOCOL>[A-Z][*A-Z]?)` +
				`(?:[ \t]+(?P<ROUTE_TYPE>E[12]|IA|N[12]))?[ \t]+` +
				`(?P<NETWORK>\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?)[ \t]+` +
				`(?:\[(?P<DISTANCE>\d+)/(?P<METRIC>\d+)\][ \t]+via[ \t]+(?P<NEXTHOP_IP>\d{1,3}(?:\.\d{1,3}){3})|is[ \t]+directly[ \t]+connected)` +
				`(?:,[ \t]*(?P<UPTIME>[\dwdh:]+))?` +
				`(?:,[ \t]*(?P<INTERFACE>[A-Za-z][\w/.-]*))?[ \t]*$`),
	}
	r.Register("cisco_ios", "show ip route static", routes)
	r.Register("cisco_ios", "show ip route ospf", routes)
	r.Register("cisco_ios", "show ip route bgp", routes)
}

func registerAristaEOS(r *Registry) {
	r.Register("arista_eos", "show interfaces", &Template{
		Name:  "arista_eos_show_interfaces",
		Mode:  ModeBlocks,
		Split: regexp.MustCompile(`(?m)^\S+ is `),
		Fields: []BlockField{
			{Key: "interface", Pattern: regexp.MustCompile(`(?m)^(\S+) is `)},
			{Key: "link_status", Pattern: regexp.MustCompile(`(?m)^\S+ is (administratively down|up|down)`)},
			{Key: "protocol_status", Pattern: regexp.MustCompile(`line protocol is (\w+)`)},
			{Key: "mac_address", Pattern: regexp.MustCompile(`address is (` + macAddr + `)`)},
			{Key: "description", Pattern: regexp.MustCompile(`(?m)^\s+Description: (.+?)\s*$`)},
			{Key: "ip_address", Pattern: regexp.MustCompile(`Internet address is (\S+)`), List: true},
			{Key: "mtu", Pattern: regexp.MustCompile(`MTU (\d+)`)},
			{Key: "bandwidth", Pattern: regexp.MustCompile(`BW (\d+)`)},
			{Key: "duplex", Pattern: regexp.MustCompile(`(Full|Half|Auto)-duplex`)},
			{Key: "speed", Pattern: regexp.MustCompile(`-duplex, ([\w./-]+?),`)},
			{Key: "input_rate", Pattern: regexp.MustCompile(`input rate (\S+)`)},
			{Key: "output_rate", Pattern: regexp.MustCompile(`output rate (\S+)`)},
			{Key: "input_packets", Pattern: regexp.MustCompile(`(\d+) packets input`)},
			{Key: "output_packets", Pattern: regexp.MustCompile(`(\d+) packets output`)},
			{Key: "input_errors", Pattern: regexp.MustCompile(`(\d+) input errors`)},
			{Key: "output_errors", Pattern: regexp.MustCompile(`(\d+) output errors`)},
		},
	})

	r.Register("arista_eos", "show ip arp", &Template{
		Name: "arista_eos_show_ip_arp",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^(?P<ip_address>\d{1,3}(?:\.\d{1,3}){3})\s+(?P<age>[\d:\-]+)\s+(?P<mac_address>` +
				macAddr + `)\s+(?P<interface>\S+(?:,\s*\S+)*)[ \t]*$`),
	})

	r.Register("arista_eos", "show mac address-table", &Template{
		Name: "arista_eos_show_mac_address_table",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^[ \t]*(?P<vlan>\d+)\s+(?P<mac_address>` + macAddr +
				`)\s+(?P<entry_type>[A-Za-z]+)\s+(?P<ports>\S+).*$`),
	})

	routes := &Template{
		Name: "arista_eos_show_ip_route",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^[ \t]*(?P<protocol>[A-Z](?:[ \t][A-Z]\d?)?)[ \t]+` +
				`(?P<network>\d{1,3}(?:\.\d{1,3}){3}/\d{1,2})[ \t]+` +
				`\[(?P<distance>\d+)/(?P<metric>\d+)\][ \t]+via[ \t]+` +
				`(?P<nexthop_ip>\d{1,3}(?:\.\d{1,3}){3})` +
				`(?:,[ \t]*(?P<interface>[A-Za-z]\S*))?[ \t]*$`),
	}
	r.Register("arista_eos", "show ip route static", routes)
	r.Register("arista_eos", "show ip route ospf", routes)
	r.Register("arista_eos", "show ip route bgp", routes)
}

func registerCiscoNXOS(r *Registry) {
	r.Register("cisco_nxos", "show ip arp", &Template{
		Name: "cisco_nxos_show_ip_arp",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^(?P<IP_ADDRESS>\d{1,3}(?:\.\d{1,3}){3})\s+(?P<AGE>\S+)\s+(?P<MAC_ADDRESS>` +
				macAddr + `)\s+(?P<INTERFACE>\S+)[ \t]*\+?[ \t]*$`),
	})

	r.Register("cisco_nxos", "show mac address-table", &Template{
		Name: "cisco_nxos_show_mac_address_table",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^[*+ ]*[ \t]*(?P<VLAN>\d+)\s+(?P<MAC_ADDRESS>` + macAddr +
				`)\s+(?P<TYPE>[a-z]+)\s+\S+\s+\S+\s+\S+\s+(?P<PORTS>\S+)[ \t]*$`),
	})

	r.Register("cisco_nxos", "show cdp neighbors", &Template{
		Name: "cisco_nxos_show_cdp_neighbors",
		Mode: ModeRows,
		Pattern: regexp.MustCompile(
			`(?m)^(?P<NEIGHBOR>[\w.\-()]+)[ \t]*\n?[ \t]+` +
				`(?P<LOCAL_INTERFACE>[A-Za-z]{2,}[a-z]* ?[\d/.]+)\s+` +
				`(?P<HOLDTIME>\d+)\s+` +
				`(?P<CAPABILITY>[A-Za-z\- ]+?)\s{2,}` +
				`(?P<PLATFORM>\S+)\s+` +
				`(?P<NEIGHBOR_INTERFACE>[A-Za-z]{2,}[a-z]* ?[\d/.]+)[ \t]*$`),
	})
}

package api

const (
	// PingEndpoint is the endpoint for checking the API status
	PingEndpoint = "/ping"
	// RelaysEndpoint is the endpoint for submitting a new relay request
	RelaysEndpoint = "/relays"
	// RelayEndpoint is the endpoint to get the status of a relay job
	RelayURLParam = "relayId"
	RelayEndpoint = "/relays/{" + RelayURLParam + "}"
	// RelayStreamEndpoint is the endpoint streaming a relay's progress as
	// server-sent events
	RelayStreamEndpoint = "/relays/{" + RelayURLParam + "}/stream"
)

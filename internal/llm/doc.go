// Package llm contains adapters for invoking inference gateways. It
// abstracts away provider-specific APIs behind a single contract: given a
// prompt context and a list of available structured actions, the gateway
// returns either free text or a request to invoke one action with arguments.
package llm

// Package testing starts exchange brokers inside the test process and
// provides the conformance suite of the exchange protocol.
//
// Example usage:
//
//	broker := testing.StartBroker(t, "unix", "binary")
//	ex := broker.Connect(t)
//
//	// run the full suite against every transport
//	testing.RunExchangeTests(t, "unix", func(t testing.TB) *testing.Broker {
//		return testing.StartBroker(t, "unix", "binary")
//	})
package testing

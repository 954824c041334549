// Package resolver provides DNS resolution with concurrent, disjoint IPv4
// and IPv6 lookups for domain-based firewall rules.
//
// A domain rule must be enforced against whichever address families the
// running platform actually filters (v4-only, v6-only, or both), so the
// resolver never merges the two families into one list; Result keeps them
// separate and the rule engine chooses what to install per family.
//
// # Basic Usage
//
//	client := resolver.New(5 * time.Second)
//	res, err := client.LookupHost(ctx, "example.com")
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, ip := range res.V4 {
//		fmt.Println("v4:", ip)
//	}
//	for _, ip := range res.V6 {
//		fmt.Println("v6:", ip)
//	}
//
// Configure resolver with custom options:
//
//	client := resolver.New(
//		5*time.Second,
//		resolver.WithResolvers([]string{"1.1.1.1:53", "8.8.8.8:53"}),
//		resolver.WithRetries(2),
//	)
//
// # Concurrent Resolution
//
// A and AAAA queries run concurrently. Each family's failure is independent:
// a missing AAAA record does not fail the whole lookup as long as the A
// query (or vice versa) succeeds. Both failing returns an aggregated error
// built with go.uber.org/multierr.
//
// # Implementation Notes
//
//   - Uses github.com/miekg/dns for low-level DNS operations
//   - Literal IP hostnames are classified by family and returned without a
//     network round trip
//   - Random resolver selection across the configured resolver list
package resolver

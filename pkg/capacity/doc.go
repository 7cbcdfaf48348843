// Package capacity maintains the capacity-aware view of linked accounts.
//
// The Refresher writes one RegionRecord per account and region from the
// recovery service's inventory and then invalidates the Cache. The Cache
// serves those records from memory for a short TTL and answers:
//
//   - ActiveRegions: the regions holding tracked resources, or the full static
//     region list when the inventory is empty or unreachable
//   - Capacity: one account's replicating servers against its ceiling
//   - CombinedCapacity: the sum over several accounts, where an account that
//     cannot be evaluated is reported as unknown instead of failing the query
//
// Utilization is classified with fixed, inclusive lower bounds:
//
//	OK             below 67%
//	INFO           67% up to 75%
//	WARNING        75% up to 83%
//	CRITICAL       83% up to 93%
//	HYPER_CRITICAL 93% and above
package capacity

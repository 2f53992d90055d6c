package mesh

// defersTo resolves offer glare: when both sides of a pair have an offer in
// flight for the same remote, the side with the lexicographically smaller
// identity abandons its own offer and answers the inbound one. Pure and
// deterministic so simultaneous offers always resolve to the same winner.
func defersTo(localID, remoteID string) bool {
	return localID < remoteID
}

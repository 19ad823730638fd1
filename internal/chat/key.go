package chat

// ConversationKey derives the channel key for a two-party conversation:
// the lexicographically sorted, "-"-joined participant ids. Both parties
// compute the same key independently, whoever asks first.
func ConversationKey(idA, idB string) string {
	if idA > idB {
		idA, idB = idB, idA
	}
	return idA + "-" + idB
}

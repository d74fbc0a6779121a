package chat

import "strings"

// DeriveConversation computes the ordered subsequence of messages belonging
// to one conversation. It is a pure function over a snapshot and is meant to
// be recomputed on every call; keeping a second, filtered copy around is how
// views drift from canonical truth.
//
// conversationID is either BroadcastConversation or the direct-chat
// partner's address. Addresses are compared case-insensitively: chain-sourced
// and locally held addresses may differ in letter case.
func DeriveConversation(messages []Message, conversationID, self string) []Message {
	var out []Message
	if conversationID == BroadcastConversation {
		for _, m := range messages {
			if m.Broadcast {
				out = append(out, m)
			}
		}
		return out
	}

	for _, m := range messages {
		if m.Broadcast {
			continue
		}
		if betweenPair(m, self, conversationID) {
			out = append(out, m)
		}
	}
	return out
}

// ConversationOf returns the conversation a message belongs to from the
// local account's point of view: the broadcast sentinel, or the partner's
// address. Every message belongs to exactly one conversation.
func ConversationOf(m Message, self string) string {
	if m.Broadcast {
		return BroadcastConversation
	}
	if strings.EqualFold(m.Sender, self) {
		return m.Recipient
	}
	return m.Sender
}

// Partners returns the distinct direct-chat partners observed in the
// snapshot, in order of first appearance.
func Partners(messages []Message, self string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, m := range messages {
		if m.Broadcast {
			continue
		}
		partner := ConversationOf(m, self)
		key := strings.ToLower(partner)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, partner)
	}
	return out
}

func betweenPair(m Message, a, b string) bool {
	return (strings.EqualFold(m.Sender, a) && strings.EqualFold(m.Recipient, b)) ||
		(strings.EqualFold(m.Sender, b) && strings.EqualFold(m.Recipient, a))
}

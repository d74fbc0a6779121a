package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/amigochat/amigo/internal/bus"
	"github.com/amigochat/amigo/internal/chat"
)

// Unpack targets for the contract's event payloads. Field names follow the
// ABI argument names.
type groupMessageSentEvent struct {
	Sender    common.Address
	Message   string
	Timestamp *big.Int
	MessageId *big.Int
}

type directMessageSentEvent struct {
	Sender    common.Address
	Recipient common.Address
	Message   string
	Timestamp *big.Int
	MessageId *big.Int
}

type userRegisteredEvent struct {
	User          common.Address
	BoomerName    string
	IpfsImageHash string
	Timestamp     *big.Int
}

type profileImageUpdatedEvent struct {
	User         common.Address
	OldImageHash string
	NewImageHash string
	Timestamp    *big.Int
}

type onlineStatusChangedEvent struct {
	User      common.Address
	IsOnline  bool
	Timestamp *big.Int
}

// ParseLog normalizes a raw contract log into a bus event with a domain
// payload. Logs with an unknown topic return an error; callers log and skip.
func ParseLog(lg types.Log) (bus.Event, error) {
	if len(lg.Topics) == 0 {
		return bus.Event{}, fmt.Errorf("log %s has no topics", lg.TxHash)
	}

	switch lg.Topics[0] {
	case contractABI.Events[evtGroupMessage].ID:
		var ev groupMessageSentEvent
		if err := unpackLog(&ev, evtGroupMessage, lg); err != nil {
			return bus.Event{}, err
		}
		return busEvent("chain.group_message", chat.Event{
			Broadcast: true,
			Sender:    ev.Sender.Hex(),
			Content:   ev.Message,
			Timestamp: ev.Timestamp.Int64(),
			Seq:       ev.MessageId.Uint64(),
		}), nil

	case contractABI.Events[evtDirectMessage].ID:
		var ev directMessageSentEvent
		if err := unpackLog(&ev, evtDirectMessage, lg); err != nil {
			return bus.Event{}, err
		}
		return busEvent("chain.direct_message", chat.Event{
			Sender:    ev.Sender.Hex(),
			Recipient: ev.Recipient.Hex(),
			Content:   ev.Message,
			Timestamp: ev.Timestamp.Int64(),
			Seq:       ev.MessageId.Uint64(),
		}), nil

	case contractABI.Events[evtUserRegistered].ID:
		var ev userRegisteredEvent
		if err := unpackLog(&ev, evtUserRegistered, lg); err != nil {
			return bus.Event{}, err
		}
		return busEvent("chain.user_registered", chat.User{
			Address:      ev.User.Hex(),
			Handle:       ev.BoomerName,
			ImageRef:     ev.IpfsImageHash,
			RegisteredAt: ev.Timestamp.Int64(),
		}), nil

	case contractABI.Events[evtOnlineStatus].ID:
		var ev onlineStatusChangedEvent
		if err := unpackLog(&ev, evtOnlineStatus, lg); err != nil {
			return bus.Event{}, err
		}
		return busEvent("chain.presence_changed", chat.PresenceChange{
			Address: ev.User.Hex(),
			Online:  ev.IsOnline,
			At:      ev.Timestamp.Int64() * 1000,
		}), nil

	case contractABI.Events[evtProfileImage].ID:
		var ev profileImageUpdatedEvent
		if err := unpackLog(&ev, evtProfileImage, lg); err != nil {
			return bus.Event{}, err
		}
		return busEvent("chain.profile_image", chat.ImageChange{
			Address:  ev.User.Hex(),
			ImageRef: ev.NewImageHash,
		}), nil
	}

	return bus.Event{}, fmt.Errorf("unknown event topic %s", lg.Topics[0])
}

func busEvent(kind string, payload any) bus.Event {
	return bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

// unpackLog fills out from a log's data and indexed topics.
func unpackLog(out any, name string, lg types.Log) error {
	if len(lg.Data) > 0 {
		if err := contractABI.UnpackIntoInterface(out, name, lg.Data); err != nil {
			return fmt.Errorf("unpack %s: %w", name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range contractABI.Events[name].Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, lg.Topics[1:]); err != nil {
		return fmt.Errorf("unpack %s topics: %w", name, err)
	}
	return nil
}

// messageTopics returns the topic ids of the events the watcher and the log
// fallback care about.
func messageTopics() []common.Hash {
	return []common.Hash{
		contractABI.Events[evtGroupMessage].ID,
		contractABI.Events[evtDirectMessage].ID,
	}
}

func allTopics() []common.Hash {
	return []common.Hash{
		contractABI.Events[evtGroupMessage].ID,
		contractABI.Events[evtDirectMessage].ID,
		contractABI.Events[evtUserRegistered].ID,
		contractABI.Events[evtOnlineStatus].ID,
		contractABI.Events[evtProfileImage].ID,
	}
}

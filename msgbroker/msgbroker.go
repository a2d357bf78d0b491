package msgbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/textileio/candle-auction/auction"
	"github.com/textileio/candle-auction/candle"
)

// TopicHandler is function that processes a received message.
// If no error is returned, the message will be automatically acked.
// If an error is returned, the message will be automatically nacked.
type TopicHandler func(context.Context, []byte) error

// MsgBroker is a message-broker for async message communication.
type MsgBroker interface {
	// RegisterTopicHandler registers a handler to a topic, with a defined
	// subscription defined by the underlying implementation. Is highly recommended
	// to register handlers in a type-safe way using RegisterHandlers().
	RegisterTopicHandler(topic TopicName, handler TopicHandler, opts ...Option) error

	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topicName TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

const (
	// BidPlacedTopic is the topic name for bid-placed messages.
	BidPlacedTopic TopicName = "bid-placed"
	// AuctionFinalizedTopic is the topic name for auction-finalized messages.
	AuctionFinalizedTopic = "auction-finalized"
	// PayoutSettledTopic is the topic name for payout-settled messages.
	PayoutSettledTopic = "payout-settled"
)

// OperationID is a unique identifier for messages.
type OperationID string

// BidPlacedData describes an accepted bid.
type BidPlacedData struct {
	AuctionID auction.ID
	Bidder    auction.BidderID
	Amount    uint64
	Tick      uint64
	Balance   uint64
}

// BidPlacedListener is a handler for bid-placed topic.
type BidPlacedListener interface {
	OnBidPlaced(context.Context, OperationID, BidPlacedData) error
}

// AuctionFinalizedData describes a resolved auction. Winner is empty
// when the candle went out before any bid materialized a sample.
type AuctionFinalizedData struct {
	AuctionID auction.ID
	Sample    uint64
	Winner    auction.BidderID
	Amount    uint64
}

// AuctionFinalizedListener is a handler for auction-finalized topic.
type AuctionFinalizedListener interface {
	OnAuctionFinalized(context.Context, OperationID, AuctionFinalizedData) error
}

// PayoutSettledData describes a settled payout claim.
type PayoutSettledData struct {
	AuctionID     auction.ID
	Caller        auction.BidderID
	Kind          candle.PayoutKind
	RewardGranted bool
	Refund        uint64
	Proceeds      uint64
}

// PayoutSettledListener is a handler for payout-settled topic.
type PayoutSettledListener interface {
	OnPayoutSettled(context.Context, OperationID, PayoutSettledData) error
}

type bidPlacedMsg struct {
	OperationID string `json:"operation_id"`
	AuctionID   string `json:"auction_id"`
	BidderID    string `json:"bidder_id"`
	Amount      uint64 `json:"amount"`
	Tick        uint64 `json:"tick"`
	Balance     uint64 `json:"balance"`
}

type auctionFinalizedMsg struct {
	OperationID string `json:"operation_id"`
	AuctionID   string `json:"auction_id"`
	Sample      uint64 `json:"sample"`
	WinnerID    string `json:"winner_id,omitempty"`
	Amount      uint64 `json:"amount"`
}

type payoutSettledMsg struct {
	OperationID   string `json:"operation_id"`
	AuctionID     string `json:"auction_id"`
	CallerID      string `json:"caller_id"`
	Kind          string `json:"kind"`
	RewardGranted bool   `json:"reward_granted"`
	Refund        uint64 `json:"refund"`
	Proceeds      uint64 `json:"proceeds"`
}

// RegisterHandlers automatically calls mb.RegisterTopicHandler in the methods that
// s might satisfy on known XXXListener interfaces. This allows to automatically wire
// s to receive messages from topics of implemented handlers.
func RegisterHandlers(mb MsgBroker, s interface{}, opts ...Option) error {
	var countRegistered int
	if l, ok := s.(BidPlacedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(BidPlacedTopic, func(ctx context.Context, data []byte) error {
			r := bidPlacedMsg{}
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal bid-placed msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if r.AuctionID == "" {
				return errors.New("auction id is empty")
			}
			if r.BidderID == "" {
				return errors.New("bidder id is empty")
			}
			if r.Amount == 0 {
				return errors.New("amount is zero")
			}

			bpd := BidPlacedData{
				AuctionID: auction.ID(r.AuctionID),
				Bidder:    auction.BidderID(r.BidderID),
				Amount:    r.Amount,
				Tick:      r.Tick,
				Balance:   r.Balance,
			}
			if err := l.OnBidPlaced(ctx, OperationID(r.OperationID), bpd); err != nil {
				return fmt.Errorf("calling bid-placed handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for bid-placed topic: %s", err)
		}
	}

	if l, ok := s.(AuctionFinalizedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(AuctionFinalizedTopic, func(ctx context.Context, data []byte) error {
			r := auctionFinalizedMsg{}
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal auction-finalized msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if r.AuctionID == "" {
				return errors.New("auction id is empty")
			}
			if r.WinnerID == "" && r.Amount != 0 {
				return errors.New("winnerless auction can't have a winning amount")
			}

			afd := AuctionFinalizedData{
				AuctionID: auction.ID(r.AuctionID),
				Sample:    r.Sample,
				Winner:    auction.BidderID(r.WinnerID),
				Amount:    r.Amount,
			}
			if err := l.OnAuctionFinalized(ctx, OperationID(r.OperationID), afd); err != nil {
				return fmt.Errorf("calling auction-finalized handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for auction-finalized topic: %s", err)
		}
	}

	if l, ok := s.(PayoutSettledListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(PayoutSettledTopic, func(ctx context.Context, data []byte) error {
			r := payoutSettledMsg{}
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("unmarshal payout-settled msg: %s", err)
			}
			if r.OperationID == "" {
				return errors.New("operation-id is empty")
			}
			if r.AuctionID == "" {
				return errors.New("auction id is empty")
			}
			if r.CallerID == "" {
				return errors.New("caller id is empty")
			}
			kind, err := payoutKindFromString(r.Kind)
			if err != nil {
				return err
			}

			psd := PayoutSettledData{
				AuctionID:     auction.ID(r.AuctionID),
				Caller:        auction.BidderID(r.CallerID),
				Kind:          kind,
				RewardGranted: r.RewardGranted,
				Refund:        r.Refund,
				Proceeds:      r.Proceeds,
			}
			if err := l.OnPayoutSettled(ctx, OperationID(r.OperationID), psd); err != nil {
				return fmt.Errorf("calling payout-settled handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for payout-settled topic: %s", err)
		}
	}

	if countRegistered == 0 {
		return errors.New("no handlers were registered")
	}

	return nil
}

// PublishMsgBidPlaced publishes a message to the bid-placed topic.
func PublishMsgBidPlaced(ctx context.Context, mb MsgBroker, data BidPlacedData) error {
	if data.AuctionID == "" {
		return errors.New("auction-id is empty")
	}
	if data.Bidder == "" {
		return errors.New("bidder is empty")
	}
	if data.Amount == 0 {
		return errors.New("amount is zero")
	}
	msg := bidPlacedMsg{
		OperationID: uuid.New().String(),
		AuctionID:   string(data.AuctionID),
		BidderID:    string(data.Bidder),
		Amount:      data.Amount,
		Tick:        data.Tick,
		Balance:     data.Balance,
	}
	return marshalAndPublish(ctx, mb, BidPlacedTopic, msg)
}

// PublishMsgAuctionFinalized publishes a message to the auction-finalized topic.
func PublishMsgAuctionFinalized(ctx context.Context, mb MsgBroker, data AuctionFinalizedData) error {
	if data.AuctionID == "" {
		return errors.New("auction-id is empty")
	}
	if data.Winner == "" && data.Amount != 0 {
		return errors.New("winnerless auction can't have a winning amount")
	}
	msg := auctionFinalizedMsg{
		OperationID: uuid.New().String(),
		AuctionID:   string(data.AuctionID),
		Sample:      data.Sample,
		WinnerID:    string(data.Winner),
		Amount:      data.Amount,
	}
	return marshalAndPublish(ctx, mb, AuctionFinalizedTopic, msg)
}

// PublishMsgPayoutSettled publishes a message to the payout-settled topic.
func PublishMsgPayoutSettled(ctx context.Context, mb MsgBroker, data PayoutSettledData) error {
	if data.AuctionID == "" {
		return errors.New("auction-id is empty")
	}
	if data.Caller == "" {
		return errors.New("caller is empty")
	}
	if data.Kind == candle.PayoutUnspecified {
		return errors.New("payout kind is unspecified")
	}
	msg := payoutSettledMsg{
		OperationID:   uuid.New().String(),
		AuctionID:     string(data.AuctionID),
		CallerID:      string(data.Caller),
		Kind:          data.Kind.String(),
		RewardGranted: data.RewardGranted,
		Refund:        data.Refund,
		Proceeds:      data.Proceeds,
	}
	return marshalAndPublish(ctx, mb, PayoutSettledTopic, msg)
}

func marshalAndPublish(ctx context.Context, mb MsgBroker, topic TopicName, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s message: %s", topic, err)
	}
	if err := mb.PublishMsg(ctx, topic, data); err != nil {
		return fmt.Errorf("publishing %s message: %s", topic, err)
	}
	return nil
}

func payoutKindFromString(s string) (candle.PayoutKind, error) {
	switch s {
	case candle.PayoutWinner.String():
		return candle.PayoutWinner, nil
	case candle.PayoutOwner.String():
		return candle.PayoutOwner, nil
	case candle.PayoutRefund.String():
		return candle.PayoutRefund, nil
	default:
		return candle.PayoutUnspecified, fmt.Errorf("unknown payout kind %q", s)
	}
}

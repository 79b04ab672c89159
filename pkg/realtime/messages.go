package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Sternrassler/venue-sync-client/pkg/transport"
)

// MessageType discriminates push channel frames.
type MessageType string

// Inbound message types.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeConnectionLost        MessageType = "connection_lost"
	TypeError                 MessageType = "error"
	TypeOrderCreated          MessageType = "order_created"
	TypeOrderStatusUpdated    MessageType = "order_status_updated"
	TypeTableStatusUpdated    MessageType = "table_status_updated"
	TypeMenuItemUpdated       MessageType = "menu_item_updated"
	TypeSystemNotification    MessageType = "system_notification"
	TypeVenueStatusSnapshot   MessageType = "venue_status_snapshot"
	TypeNotificationsSnapshot MessageType = "notifications_snapshot"
)

// Outbound message types.
const (
	TypeUpdateOrderStatus    MessageType = "update_order_status"
	TypeUpdateTableStatus    MessageType = "update_table_status"
	TypeRequestVenueStatus   MessageType = "request_venue_status"
	TypeRequestNotifications MessageType = "request_notifications"
)

// Frame is the wire shape of every push channel message.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is an inbound frame decoded into its typed payload.
type Message interface {
	Type() MessageType
}

// ConnectionEstablished is the server's greeting after a handshake.
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
	Scope        string `json:"scope"`
	ServerTime   string `json:"serverTime"`
}

// ConnectionLost announces that the server is closing the channel.
type ConnectionLost struct {
	Reason string `json:"reason"`
}

// ErrorMessage is a server-side error reported over the channel.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OrderItem is one line of an order.
type OrderItem struct {
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Notes      string `json:"notes,omitempty"`
}

// OrderCreated reports a new order.
type OrderCreated struct {
	OrderID   string      `json:"orderId"`
	TableID   string      `json:"tableId"`
	Items     []OrderItem `json:"items"`
	Total     float64     `json:"total"`
	CreatedAt string      `json:"createdAt"`
}

// OrderStatusUpdated reports an order moving to a new status.
type OrderStatusUpdated struct {
	OrderID        string `json:"orderId"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus,omitempty"`
	UpdatedAt      string `json:"updatedAt"`
}

// TableStatusUpdated reports a table changing status.
type TableStatusUpdated struct {
	TableID   string `json:"tableId"`
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

// MenuItemUpdated reports a changed menu item, including availability.
type MenuItemUpdated struct {
	MenuItemID string  `json:"menuItemId"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Available  bool    `json:"available"`
}

// SystemNotification is an operator-facing notice.
type SystemNotification struct {
	NotificationID string `json:"notificationId"`
	Level          string `json:"level"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	CreatedAt      string `json:"createdAt"`
}

// TableStatus is one table inside a venue snapshot.
type TableStatus struct {
	TableID string `json:"tableId"`
	Status  string `json:"status"`
}

// VenueStatusSnapshot answers TypeRequestVenueStatus.
type VenueStatusSnapshot struct {
	VenueID      string        `json:"venueId"`
	Open         bool          `json:"open"`
	ActiveOrders int           `json:"activeOrders"`
	Tables       []TableStatus `json:"tables"`
}

// NotificationsSnapshot answers TypeRequestNotifications.
type NotificationsSnapshot struct {
	Notifications []SystemNotification `json:"notifications"`
	Unread        int                  `json:"unread"`
}

// Unknown carries a frame of a type this package does not define.
type Unknown struct {
	Kind    MessageType
	Payload json.RawMessage
}

func (ConnectionEstablished) Type() MessageType { return TypeConnectionEstablished }
func (ConnectionLost) Type() MessageType        { return TypeConnectionLost }
func (ErrorMessage) Type() MessageType          { return TypeError }
func (OrderCreated) Type() MessageType          { return TypeOrderCreated }
func (OrderStatusUpdated) Type() MessageType    { return TypeOrderStatusUpdated }
func (TableStatusUpdated) Type() MessageType    { return TypeTableStatusUpdated }
func (MenuItemUpdated) Type() MessageType       { return TypeMenuItemUpdated }
func (SystemNotification) Type() MessageType    { return TypeSystemNotification }
func (VenueStatusSnapshot) Type() MessageType   { return TypeVenueStatusSnapshot }
func (NotificationsSnapshot) Type() MessageType { return TypeNotificationsSnapshot }
func (u Unknown) Type() MessageType             { return u.Kind }

// Decode parses a raw frame. Payload keys are converted from the wire
// convention before unmarshalling. Unrecognized types decode to Unknown.
func Decode(data []byte) (Message, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}

	switch frame.Type {
	case TypeConnectionEstablished:
		return decodePayload[ConnectionEstablished](frame.Payload)
	case TypeConnectionLost:
		return decodePayload[ConnectionLost](frame.Payload)
	case TypeError:
		return decodePayload[ErrorMessage](frame.Payload)
	case TypeOrderCreated:
		return decodePayload[OrderCreated](frame.Payload)
	case TypeOrderStatusUpdated:
		return decodePayload[OrderStatusUpdated](frame.Payload)
	case TypeTableStatusUpdated:
		return decodePayload[TableStatusUpdated](frame.Payload)
	case TypeMenuItemUpdated:
		return decodePayload[MenuItemUpdated](frame.Payload)
	case TypeSystemNotification:
		return decodePayload[SystemNotification](frame.Payload)
	case TypeVenueStatusSnapshot:
		return decodePayload[VenueStatusSnapshot](frame.Payload)
	case TypeNotificationsSnapshot:
		return decodePayload[NotificationsSnapshot](frame.Payload)
	default:
		return Unknown{Kind: frame.Type, Payload: frame.Payload}, nil
	}
}

func decodePayload[T Message](raw json.RawMessage) (Message, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}

	// UseNumber keeps large integers exact through the key conversion.
	var tree any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", out.Type(), err)
	}
	converted, err := json.Marshal(transport.FromWire(tree))
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", out.Type(), err)
	}
	if err := json.Unmarshal(converted, &out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", out.Type(), err)
	}
	return out, nil
}

// Encode serializes an outbound frame, converting payload keys to the wire
// convention.
func Encode(t MessageType, payload any) ([]byte, error) {
	frame := map[string]any{"type": string(t)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		var tree any
		if err := json.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		frame["payload"] = transport.ToWire(tree)
	}
	return json.Marshal(frame)
}

// Outbound payloads.

type UpdateOrderStatusRequest struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

type UpdateTableStatusRequest struct {
	TableID string `json:"tableId"`
	Status  string `json:"status"`
}

type VenueStatusRequest struct {
	VenueID string `json:"venueId"`
}

type NotificationsRequest struct {
	UnreadOnly bool `json:"unreadOnly"`
	Limit      int  `json:"limit,omitempty"`
}

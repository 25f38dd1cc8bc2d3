// Package session answers remote-support messages about the selected BLE
// device: characteristic reads and writes, notification toggles, connect and
// disconnect requests, nearby device lists, and periodic device diagnostics.
package session

import (
	"encoding/json"
	"strconv"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blesupport/internal/bledb"
	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/device"
)

// Category identifies the payload of a message.
type Category int

const (
	CategoryDeviceData             Category = 110
	CategoryBluetoothReadRequest   Category = 111
	CategoryBluetoothWriteRequest  Category = 112
	CategoryDiagnosticHeartbeat    Category = 113
	CategoryImage                  Category = 114
	CategoryVideo                  Category = 115
	CategoryBluetoothNotifyRequest Category = 116
	CategoryRequestDeviceList      Category = 117
	CategoryConnectToDevice        Category = 118
	CategoryDisconnectFromDevice   Category = 119
	CategoryStartSharing           Category = 120
	CategoryStopSharing            Category = 121
)

var categoryNames = map[Category]string{
	CategoryDeviceData:             "DeviceData",
	CategoryBluetoothReadRequest:   "BluetoothReadRequest",
	CategoryBluetoothWriteRequest:  "BluetoothWriteRequest",
	CategoryDiagnosticHeartbeat:    "DiagnosticHeartbeat",
	CategoryImage:                  "Image",
	CategoryVideo:                  "Video",
	CategoryBluetoothNotifyRequest: "BluetoothNotifyRequest",
	CategoryRequestDeviceList:      "RequestDeviceList",
	CategoryConnectToDevice:        "ConnectToDevice",
	CategoryDisconnectFromDevice:   "DisconnectFromDevice",
	CategoryStartSharing:           "StartSharing",
	CategoryStopSharing:            "StopSharing",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return strconv.Itoa(int(c))
}

// Kind is the role of a message in an exchange.
type Kind string

const (
	KindCommand      Kind = "command"
	KindQuery        Kind = "query"
	KindNotification Kind = "notification"
	KindResponse     Kind = "response"
	KindAck          Kind = "ack"
	KindError        Kind = "error"
	KindLog          Kind = "log"
)

// Message is one line of the wire protocol. Replies carry the ID of the
// command or query they answer.
type Message struct {
	ID       string          `json:"id,omitempty"`
	Kind     Kind            `json:"kind"`
	Category Category        `json:"category,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    *Error          `json:"error,omitempty"`
}

// Error is the payload of an error reply.
type Error struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// CodeCommandFailed is the code of request-level failures.
const CodeCommandFailed = 500

// Well-known message errors.
var (
	ErrInvalidState     = Error{Code: 1, Message: "Invalid application state"}
	ErrDeviceConnection = Error{Code: 2, Message: "Device connection error"}
	ErrMediaShare       = Error{Code: 3, Message: "Error initiating media sharing"}
	ErrJSONParse        = Error{Code: 4, Message: "Unable to parse json message"}
	ErrUserTimeout      = Error{Code: 5, Message: "User has not responded to request"}
	ErrCouldNotParse    = Error{Code: CodeCommandFailed, Message: "Could not parse command data"}
	ErrNotConnected     = Error{Code: CodeCommandFailed, Message: "Not connected to device"}
	ErrInvalidValue     = Error{Code: CodeCommandFailed, Message: "Invalid value, cannot write to characteristic"}
	ErrUnknownCommand   = Error{Code: CodeCommandFailed, Message: "Unknown command category"}
	ErrUnknownQuery     = Error{Code: CodeCommandFailed, Message: "Unknown query category"}
	ErrReadValue        = Error{Code: CodeCommandFailed, Message: "Failed to read value from characteristic"}
)

const (
	msgUnableToSelectDevice = "Unable to select device"
	readResponseVersion     = 3
)

func failed(msg string) Error {
	return Error{Code: CodeCommandFailed, Message: msg}
}

// Encoding of a write request value.
type Encoding string

const (
	EncodingUTF8 Encoding = "utf-8"
	EncodingHex  Encoding = "hex"
)

type ReadRequest struct {
	UUID string `json:"uuid"`
}

type ReadResponse struct {
	Value   string `json:"value"`
	Data    string `json:"data"`
	Version int    `json:"version"`
}

type WriteRequest struct {
	UUID     string   `json:"uuid"`
	Encoding Encoding `json:"encoding"`
	Value    string   `json:"value"`
}

// Bytes decodes the value; false means it cannot be written.
func (r WriteRequest) Bytes() ([]byte, bool) {
	if r.Encoding == EncodingUTF8 {
		return []byte(r.Value), true
	}
	return codec.ParseHex(r.Value)
}

type NotifyRequest struct {
	UUID      string `json:"uuid"`
	SetNotify bool   `json:"setNotify"`
}

type ConnectRequest struct {
	MacAddress string `json:"macAddress"`
}

type DiagnosticHeartbeat struct {
	RSSI   int    `json:"rssi"`
	Status string `json:"status"`
}

type CharacteristicInfo struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name,omitempty"`
	Read     bool   `json:"read"`
	Write    bool   `json:"write"`
	Notify   bool   `json:"notify"`
	Value    string `json:"value,omitempty"`
	Encoding string `json:"encoding"`
}

type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Name            string               `json:"name"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

// DeviceData describes a device to the peer. AdvertisementData keeps the
// order the entries were added in.
type DeviceData struct {
	LocalName         string                                `json:"localName"`
	UUID              string                                `json:"uuid"`
	SignalStrength    int                                   `json:"signalStrength"`
	Bucket            int                                   `json:"bucket"`
	AdvertisementData *orderedmap.OrderedMap[string, string] `json:"advertisementData"`
	Services          []ServiceInfo                         `json:"services"`
}

type DeviceList struct {
	Devices []DeviceData `json:"devices"`
}

// Advertisement data keys.
const (
	AdvertisedNameKey   = "Advertised name"
	ManufacturerDataKey = "Manufacturer specific data"
	RawPacketKey        = "Raw advertisement packet"
)

// NewDeviceData snapshots d without services.
func NewDeviceData(d *device.Device) DeviceData {
	adv := orderedmap.New[string, string]()
	if name := d.AdvertisedName(); name != "" {
		adv.Set(AdvertisedNameKey, name)
	}
	for _, m := range d.ManufacturerData() {
		adv.Set(ManufacturerDataKey, m.String())
	}
	if raw := d.Raw(); len(raw) > 0 {
		adv.Set(RawPacketKey, codec.FormatHexPrefixed(raw))
	}
	return DeviceData{
		LocalName:         d.Name(),
		UUID:              d.Address(),
		SignalStrength:    d.RSSI(),
		Bucket:            d.Bucket(),
		AdvertisementData: adv,
		Services:          []ServiceInfo{},
	}
}

func newServiceInfo(uuid string) ServiceInfo {
	return ServiceInfo{
		UUID:            uuid,
		Name:            bledb.ServiceName(uuid),
		Characteristics: []CharacteristicInfo{},
	}
}

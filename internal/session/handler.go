package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesupport/internal/codec"
	"github.com/srg/blesupport/internal/device"
	"github.com/srg/blesupport/internal/gatt"
	"github.com/srg/blesupport/internal/groutine"
)

// GATT is the part of gatt.Manager the handler drives.
type GATT interface {
	IsConnected(address string) bool
	Services(address string) []gatt.Service
	ConnectWithRetry(ctx context.Context, address string, attempts int) gatt.Result[struct{}]
	Disconnect(ctx context.Context, address string, cancelQueued bool) gatt.Result[struct{}]
	ReadCharacteristic(ctx context.Context, address, characteristic string) gatt.Result[gatt.ReadResult]
	ReadCachedCharacteristic(ctx context.Context, address, characteristic string) gatt.Result[gatt.ReadResult]
	WriteCharacteristic(ctx context.Context, address, characteristic string, value []byte) gatt.Result[struct{}]
	SetNotify(ctx context.Context, address, characteristic string, enable bool) gatt.Result[struct{}]
	CharacteristicName(ctx context.Context, address string, c gatt.Characteristic) string
}

// Devices is the part of device.Registry the handler reads.
type Devices interface {
	Get(address string) (*device.Device, bool)
	ValidDevices() []*device.Device
}

// Scanner starts a scan for device list requests.
type Scanner interface {
	StartScanning() bool
}

// Sender delivers outgoing messages to the peer.
type Sender interface {
	Send(Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(Message) error

func (f SenderFunc) Send(m Message) error { return f(m) }

// ApproveFunc asks the local user whether the peer may connect to address.
// Returning ctx's error means the user did not answer in time.
type ApproveFunc func(ctx context.Context, address string) (bool, error)

// Options tune the Handler. Zero fields take their defaults.
type Options struct {
	HeartbeatInterval time.Duration `default:"5s"`
	DeviceListScan    time.Duration `default:"5s"`
	ApproveTimeout    time.Duration `default:"60s"`
	ConnectAttempts   int           `default:"3"`
	// Approve gates peer connect requests; nil approves everything.
	Approve ApproveFunc
}

// Handler answers peer messages for the selected device. At most one device
// is selected; it is chosen by a successful connect request.
type Handler struct {
	gatt    GATT
	devices Devices
	scanner Scanner
	sender  Sender
	opts    Options
	logger  *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	selected string
	unwatch  func()
}

// NewHandler creates a handler. opts may be nil.
func NewHandler(g GATT, devices Devices, scanner Scanner, sender Sender, opts *Options, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		gatt:    g,
		devices: devices,
		scanner: scanner,
		sender:  sender,
		opts:    o,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Selected is the address of the selected device, "" if none.
func (h *Handler) Selected() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.selected
}

// connected returns the selected address if its GATT session is open.
func (h *Handler) connected() (string, bool) {
	addr := h.Selected()
	return addr, addr != "" && h.gatt.IsConnected(addr)
}

func (h *Handler) log(msg Message) *logrus.Entry {
	return h.logger.WithFields(logrus.Fields{"id": msg.ID, "kind": msg.Kind, "category": msg.Category.String()})
}

// Handle dispatches one incoming message and sends its reply. It blocks for
// as long as the underlying BLE work takes.
func (h *Handler) Handle(ctx context.Context, msg Message) {
	switch msg.Kind {
	case KindCommand:
		h.handleCommand(ctx, msg)
	case KindQuery:
		h.handleQuery(ctx, msg)
	case KindNotification:
		switch msg.Category {
		case CategoryDiagnosticHeartbeat, CategoryDeviceData, CategoryImage, CategoryVideo:
			h.log(msg).Debug("Ignoring notification")
		default:
			h.log(msg).Error("Received unknown notification category")
		}
	default:
		h.log(msg).Warn("Received message of unexpected kind")
	}
}

func (h *Handler) handleCommand(ctx context.Context, msg Message) {
	switch msg.Category {
	case CategoryBluetoothWriteRequest:
		h.write(ctx, msg)
	case CategoryBluetoothNotifyRequest:
		h.notify(ctx, msg)
	case CategoryConnectToDevice:
		h.connect(ctx, msg)
	case CategoryDisconnectFromDevice:
		h.disconnect(ctx, msg)
	case CategoryStartSharing, CategoryStopSharing:
		h.log(msg).Warn("Media sharing is not supported")
		h.replyError(msg, ErrMediaShare)
	default:
		h.log(msg).Error("Received unknown command category")
		h.replyError(msg, ErrUnknownCommand)
	}
}

func (h *Handler) handleQuery(ctx context.Context, msg Message) {
	switch msg.Category {
	case CategoryBluetoothReadRequest:
		h.read(ctx, msg)
	case CategoryRequestDeviceList:
		h.deviceList(ctx, msg)
	default:
		h.log(msg).Error("Received unknown query category")
		h.replyError(msg, ErrUnknownQuery)
	}
}

func (h *Handler) write(ctx context.Context, msg Message) {
	var req WriteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UUID == "" ||
		(req.Encoding != EncodingUTF8 && req.Encoding != EncodingHex) {
		h.replyError(msg, ErrCouldNotParse)
		return
	}

	value, ok := req.Bytes()
	if !ok {
		h.replyError(msg, ErrInvalidValue)
		return
	}
	addr, ok := h.connected()
	if !ok {
		h.replyError(msg, ErrNotConnected)
		return
	}

	if r := h.gatt.WriteCharacteristic(ctx, addr, req.UUID, value); !r.OK() {
		h.replyError(msg, failed(r.Message()))
		return
	}
	h.ack(msg)
}

func (h *Handler) notify(ctx context.Context, msg Message) {
	var req NotifyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UUID == "" {
		h.replyError(msg, ErrCouldNotParse)
		return
	}
	addr, ok := h.connected()
	if !ok {
		h.replyError(msg, ErrNotConnected)
		return
	}

	if r := h.gatt.SetNotify(ctx, addr, req.UUID, req.SetNotify); !r.OK() {
		h.replyError(msg, failed(r.Message()))
		return
	}
	h.ack(msg)
}

func (h *Handler) read(ctx context.Context, msg Message) {
	var req ReadRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.UUID == "" {
		h.replyError(msg, ErrCouldNotParse)
		return
	}
	addr, ok := h.connected()
	if !ok {
		h.replyError(msg, ErrNotConnected)
		return
	}

	r := h.gatt.ReadCharacteristic(ctx, addr, req.UUID)
	if !r.OK() {
		h.replyError(msg, failed(r.Message()))
		return
	}
	if r.Value().Value == nil {
		h.replyError(msg, ErrReadValue)
		return
	}
	h.respond(msg, ReadResponse{
		Value:   r.Value().Formatted,
		Data:    codec.FormatHex(r.Value().Value),
		Version: readResponseVersion,
	})
}

// connect selects the requested device and opens it, after local approval.
func (h *Handler) connect(ctx context.Context, msg Message) {
	var req ConnectRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.MacAddress == "" {
		h.replyError(msg, ErrJSONParse)
		return
	}
	if _, ok := h.connected(); ok {
		h.replyError(msg, ErrInvalidState)
		return
	}

	if h.opts.Approve != nil {
		actx, cancel := context.WithTimeout(ctx, h.opts.ApproveTimeout)
		approved, err := h.opts.Approve(actx, req.MacAddress)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			h.replyError(msg, ErrUserTimeout)
			return
		case err != nil || !approved:
			h.replyError(msg, ErrDeviceConnection)
			return
		}
	}

	dev, ok := h.devices.Get(req.MacAddress)
	if !ok {
		h.replyError(msg, Error{Code: ErrDeviceConnection.Code, Message: msgUnableToSelectDevice})
		return
	}
	h.selectDevice(dev.Address())

	if r := h.gatt.ConnectWithRetry(ctx, dev.Address(), h.opts.ConnectAttempts); !r.OK() {
		h.clearSelection(dev.Address())
		h.replyError(msg, Error{Code: ErrDeviceConnection.Code, Message: r.Message()})
		return
	}
	h.ack(msg)
	h.watch(dev)
	h.SendDeviceData(ctx)
}

// disconnect always acknowledges; the peer only wants the device released.
func (h *Handler) disconnect(ctx context.Context, msg Message) {
	if addr := h.Selected(); addr != "" {
		h.clearSelection(addr)
		h.gatt.Disconnect(ctx, addr, true)
	}
	h.ack(msg)
}

func (h *Handler) selectDevice(address string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unwatch != nil {
		h.unwatch()
		h.unwatch = nil
	}
	h.selected = address
}

// clearSelection deselects address if it is still selected.
func (h *Handler) clearSelection(address string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.selected != address {
		return false
	}
	if h.unwatch != nil {
		h.unwatch()
		h.unwatch = nil
	}
	h.selected = ""
	return true
}

// watch tells the peer when the selected device drops on its own.
func (h *Handler) watch(dev *device.Device) {
	statuses := dev.Statuses()
	ctx, cancel := context.WithCancel(h.ctx)

	h.mu.Lock()
	if h.selected != dev.Address() {
		h.mu.Unlock()
		cancel()
		statuses.Cancel()
		return
	}
	h.unwatch = cancel
	h.mu.Unlock()

	groutine.Go(ctx, "session-watch-"+dev.Address(), func(ctx context.Context) {
		defer statuses.Cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-statuses.C():
				if !ok {
					return
				}
				if st != device.Disconnected {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				if h.clearSelection(dev.Address()) {
					h.logger.WithField("address", dev.Address()).Info("Selected device disconnected")
					h.notifyPeer(CategoryDisconnectFromDevice, nil)
				}
				return
			}
		}
	})
}

// deviceList scans for a while when a scan could be started, then answers
// the valid devices, strongest first.
func (h *Handler) deviceList(ctx context.Context, msg Message) {
	if h.scanner != nil && h.scanner.StartScanning() {
		select {
		case <-time.After(h.opts.DeviceListScan):
		case <-ctx.Done():
			return
		}
	}

	valid := h.devices.ValidDevices()
	list := DeviceList{Devices: make([]DeviceData, 0, len(valid))}
	for _, d := range valid {
		list.Devices = append(list.Devices, NewDeviceData(d))
	}
	sort.SliceStable(list.Devices, func(i, j int) bool {
		return list.Devices[i].SignalStrength > list.Devices[j].SignalStrength
	})
	h.respond(msg, list)
}

// DeviceData describes the selected device with its services and the cached
// value of every readable characteristic. Characteristics that cannot be
// read are left out.
func (h *Handler) DeviceData(ctx context.Context) (DeviceData, bool) {
	addr, ok := h.connected()
	if !ok {
		return DeviceData{}, false
	}
	dev, ok := h.devices.Get(addr)
	if !ok {
		return DeviceData{}, false
	}

	data := NewDeviceData(dev)
	for _, svc := range h.gatt.Services(addr) {
		info := newServiceInfo(svc.UUID)
		for _, c := range svc.Characteristics {
			if !c.CanRead() {
				continue
			}
			r := h.gatt.ReadCachedCharacteristic(ctx, addr, c.UUID)
			if !r.OK() {
				continue
			}
			info.Characteristics = append(info.Characteristics, CharacteristicInfo{
				UUID:     c.UUID,
				Name:     h.gatt.CharacteristicName(ctx, addr, c),
				Read:     c.CanRead(),
				Write:    c.CanWrite(),
				Notify:   c.CanNotify(),
				Value:    r.Value().Formatted,
				Encoding: string(EncodingUTF8),
			})
		}
		data.Services = append(data.Services, info)
	}
	return data, true
}

// SendDeviceData notifies the peer with DeviceData of the selected device.
func (h *Handler) SendDeviceData(ctx context.Context) {
	if data, ok := h.DeviceData(ctx); ok {
		h.notifyPeer(CategoryDeviceData, data)
	}
}

// SendHeartbeat notifies the peer of the selected device's signal and status.
func (h *Handler) SendHeartbeat() bool {
	addr := h.Selected()
	if addr == "" {
		return false
	}
	dev, ok := h.devices.Get(addr)
	if !ok || dev.Status() != device.Connected {
		return false
	}
	h.notifyPeer(CategoryDiagnosticHeartbeat, DiagnosticHeartbeat{RSSI: dev.RSSI(), Status: dev.Status().String()})
	return true
}

// Run sends heartbeats until ctx ends or the handler is closed.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.SendHeartbeat()
		}
	}
}

// Close stops the device watcher and heartbeats.
func (h *Handler) Close() {
	h.cancel()
}

func (h *Handler) send(m Message) {
	if err := h.sender.Send(m); err != nil {
		h.logger.WithFields(logrus.Fields{"id": m.ID, "kind": m.Kind, "error": err}).Warn("Failed to send message")
	}
}

func (h *Handler) ack(msg Message) {
	h.send(Message{ID: msg.ID, Kind: KindAck, Category: msg.Category})
}

func (h *Handler) replyError(msg Message, e Error) {
	h.log(msg).WithFields(logrus.Fields{"code": e.Code, "error": e.Message}).Debug("Replying with error")
	h.send(Message{ID: msg.ID, Kind: KindError, Category: msg.Category, Error: &e})
}

func (h *Handler) respond(msg Message, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.replyError(msg, failed(err.Error()))
		return
	}
	h.send(Message{ID: msg.ID, Kind: KindResponse, Category: msg.Category, Data: data})
}

// notifyPeer sends an unsolicited notification. A closed handler stays silent.
func (h *Handler) notifyPeer(category Category, payload any) {
	if h.ctx.Err() != nil {
		h.logger.WithField("category", category.String()).Debug("Handler closed, dropping notification")
		return
	}
	m := Message{ID: uuid.NewString(), Kind: KindNotification, Category: category}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.WithField("category", category.String()).WithError(err).Error("Failed to encode notification")
			return
		}
		m.Data = data
	}
	h.send(m)
}

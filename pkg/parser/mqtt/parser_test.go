// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/absmach/mtunnel/pkg/frame"
	"github.com/absmach/mtunnel/pkg/handler"
	"github.com/absmach/mtunnel/pkg/parser"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

type mockHandler struct {
	connectErr   error
	publishErr   error
	subscribeErr error

	connectCalled   bool
	publishCalled   bool
	subscribeCalled bool

	lastHctx    *handler.Context
	lastTopic   string
	lastPayload []byte
	lastTopics  []string

	rewriteUsername string
	rewritePassword []byte
	rewritePayload  []byte
	rewriteTopics   []string
}

func (m *mockHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	m.connectCalled = true
	m.lastHctx = hctx
	if m.connectErr != nil {
		return m.connectErr
	}
	if m.rewriteUsername != "" {
		hctx.Username = m.rewriteUsername
	}
	if m.rewritePassword != nil {
		hctx.Password = m.rewritePassword
	}
	return nil
}

func (m *mockHandler) AuthPublish(ctx context.Context, hctx *handler.Context, topic *string, payload *[]byte) error {
	m.publishCalled = true
	m.lastTopic = *topic
	m.lastPayload = *payload
	if m.publishErr != nil {
		return m.publishErr
	}
	if m.rewritePayload != nil {
		*payload = m.rewritePayload
	}
	return nil
}

func (m *mockHandler) AuthSubscribe(ctx context.Context, hctx *handler.Context, topics *[]string) error {
	m.subscribeCalled = true
	m.lastTopics = *topics
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	if m.rewriteTopics != nil {
		*topics = m.rewriteTopics
	}
	return nil
}

func (m *mockHandler) OnConnect(ctx context.Context, hctx *handler.Context, conn handler.Conn) error {
	return nil
}

func (m *mockHandler) OnMessage(ctx context.Context, hctx *handler.Context, conn handler.Conn, f frame.Frame) error {
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, reason string) error {
	return nil
}

// encode serializes control packets into one message payload.
func encode(t *testing.T, pkts ...packets.ControlPacket) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, pkt := range pkts {
		if err := pkt.Write(&buf); err != nil {
			t.Fatalf("Failed to write packet: %v", err)
		}
	}
	return buf.Bytes()
}

// decode reads every control packet back out of a payload.
func decode(t *testing.T, payload []byte) []packets.ControlPacket {
	t.Helper()
	r := bytes.NewReader(payload)
	var pkts []packets.ControlPacket
	for r.Len() > 0 {
		pkt, err := packets.ReadPacket(r)
		if err != nil {
			t.Fatalf("Failed to read packet back: %v", err)
		}
		pkts = append(pkts, pkt)
	}
	return pkts
}

func newConnectPacket() *packets.ConnectPacket {
	pkt := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	pkt.ClientIdentifier = "test-client"
	pkt.Username = "testuser"
	pkt.Password = []byte("testpass")
	pkt.UsernameFlag = true
	pkt.PasswordFlag = true
	pkt.ProtocolName = "MQTT"
	pkt.ProtocolVersion = 4
	return pkt
}

func TestMQTTParser_ParseConnect(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	in := encode(t, newConnectPacket())

	out, err := p.Parse(context.Background(), in, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !mock.connectCalled {
		t.Error("Expected AuthConnect to be called")
	}

	// Verify credentials were extracted into the context
	if hctx.ClientID != "test-client" {
		t.Errorf("Expected ClientID 'test-client', got '%s'", hctx.ClientID)
	}
	if hctx.Username != "testuser" {
		t.Errorf("Expected Username 'testuser', got '%s'", hctx.Username)
	}
	if string(hctx.Password) != "testpass" {
		t.Errorf("Expected Password 'testpass', got '%s'", hctx.Password)
	}

	// Nothing was rewritten, so the payload passes through untouched
	if !bytes.Equal(out, in) {
		t.Error("Expected unmodified payload to pass through as-is")
	}
}

func TestMQTTParser_CredentialRewrite(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{
		rewriteUsername: "backend-user",
		rewritePassword: []byte("backend-pass"),
	}
	hctx := &handler.Context{}

	in := encode(t, newConnectPacket())

	out, err := p.Parse(context.Background(), in, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if bytes.Equal(out, in) {
		t.Fatal("Expected payload to be re-encoded after credential rewrite")
	}

	pkts := decode(t, out)
	if len(pkts) != 1 {
		t.Fatalf("Expected 1 packet, got %d", len(pkts))
	}
	connect, ok := pkts[0].(*packets.ConnectPacket)
	if !ok {
		t.Fatalf("Expected CONNECT packet, got %T", pkts[0])
	}
	if connect.Username != "backend-user" {
		t.Errorf("Expected rewritten username 'backend-user', got '%s'", connect.Username)
	}
	if string(connect.Password) != "backend-pass" {
		t.Errorf("Expected rewritten password 'backend-pass', got '%s'", connect.Password)
	}
	if connect.ClientIdentifier != "test-client" {
		t.Errorf("Expected client id to survive rewrite, got '%s'", connect.ClientIdentifier)
	}
}

func TestMQTTParser_ParsePublish(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{Username: "testuser"}

	publishPkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publishPkt.TopicName = "test/topic"
	publishPkt.Payload = []byte("test payload")
	publishPkt.Qos = 0

	in := encode(t, publishPkt)

	out, err := p.Parse(context.Background(), in, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !mock.publishCalled {
		t.Error("Expected AuthPublish to be called")
	}
	if mock.lastTopic != "test/topic" {
		t.Errorf("Expected topic 'test/topic', got '%s'", mock.lastTopic)
	}
	if string(mock.lastPayload) != "test payload" {
		t.Errorf("Expected payload 'test payload', got '%s'", mock.lastPayload)
	}
	if !bytes.Equal(out, in) {
		t.Error("Expected unmodified payload to pass through as-is")
	}
}

func TestMQTTParser_PublishRewrite(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{
		rewritePayload: []byte("scrubbed"),
	}
	hctx := &handler.Context{}

	publishPkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publishPkt.TopicName = "test/topic"
	publishPkt.Payload = []byte("secret")

	out, err := p.Parse(context.Background(), encode(t, publishPkt), parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	pkts := decode(t, out)
	publish, ok := pkts[0].(*packets.PublishPacket)
	if !ok {
		t.Fatalf("Expected PUBLISH packet, got %T", pkts[0])
	}
	if string(publish.Payload) != "scrubbed" {
		t.Errorf("Expected rewritten payload 'scrubbed', got '%s'", publish.Payload)
	}
	if publish.TopicName != "test/topic" {
		t.Errorf("Expected topic to survive rewrite, got '%s'", publish.TopicName)
	}
}

func TestMQTTParser_ParseSubscribe(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	subscribePkt := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	subscribePkt.Topics = []string{"topic1", "topic2"}
	subscribePkt.Qoss = []byte{0, 1}
	subscribePkt.MessageID = 1

	in := encode(t, subscribePkt)

	out, err := p.Parse(context.Background(), in, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !mock.subscribeCalled {
		t.Error("Expected AuthSubscribe to be called")
	}
	if len(mock.lastTopics) != 2 {
		t.Fatalf("Expected 2 topics, got %d", len(mock.lastTopics))
	}
	if mock.lastTopics[0] != "topic1" || mock.lastTopics[1] != "topic2" {
		t.Errorf("Expected topics [topic1, topic2], got %v", mock.lastTopics)
	}
	if !bytes.Equal(out, in) {
		t.Error("Expected unmodified payload to pass through as-is")
	}
}

func TestMQTTParser_SubscribePrune(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{
		rewriteTopics: []string{"topic1"},
	}
	hctx := &handler.Context{}

	subscribePkt := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	subscribePkt.Topics = []string{"topic1", "forbidden"}
	subscribePkt.Qoss = []byte{0, 1}
	subscribePkt.MessageID = 1

	out, err := p.Parse(context.Background(), encode(t, subscribePkt), parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	pkts := decode(t, out)
	subscribe, ok := pkts[0].(*packets.SubscribePacket)
	if !ok {
		t.Fatalf("Expected SUBSCRIBE packet, got %T", pkts[0])
	}
	if len(subscribe.Topics) != 1 || subscribe.Topics[0] != "topic1" {
		t.Errorf("Expected pruned topics [topic1], got %v", subscribe.Topics)
	}
	if len(subscribe.Qoss) != 1 {
		t.Errorf("Expected QoS list pruned to 1 entry, got %v", subscribe.Qoss)
	}
}

func TestMQTTParser_MultiplePackets(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	publishPkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publishPkt.TopicName = "test/topic"
	publishPkt.Payload = []byte("test payload")
	pingPkt := packets.NewControlPacket(packets.Pingreq)

	in := encode(t, publishPkt, pingPkt)

	out, err := p.Parse(context.Background(), in, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if !mock.publishCalled {
		t.Error("Expected AuthPublish to be called for the first packet")
	}
	if !bytes.Equal(out, in) {
		t.Error("Expected unmodified payload to pass through as-is")
	}
	if pkts := decode(t, out); len(pkts) != 2 {
		t.Errorf("Expected 2 packets in output, got %d", len(pkts))
	}
}

func TestMQTTParser_PassthroughPackets(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	pingPkt := packets.NewControlPacket(packets.Pingreq)
	disconnectPkt := packets.NewControlPacket(packets.Disconnect)

	in := encode(t, pingPkt, disconnectPkt)

	out, err := p.Parse(context.Background(), in, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if mock.connectCalled || mock.publishCalled || mock.subscribeCalled {
		t.Error("Expected no auth calls for control-only packets")
	}
	if !bytes.Equal(out, in) {
		t.Error("Expected payload to pass through as-is")
	}
}

func TestMQTTParser_AuthError(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{
		connectErr: errors.New("auth failed"),
	}
	hctx := &handler.Context{}

	connectPkt := newConnectPacket()
	connectPkt.Username = "baduser"
	connectPkt.Password = []byte("badpass")

	_, err := p.Parse(context.Background(), encode(t, connectPkt), parser.Upstream, mock, hctx)
	if err == nil {
		t.Error("Expected error from Parse() when auth fails")
	}
}

func TestMQTTParser_PublishAuthError(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{
		publishErr: errors.New("not allowed"),
	}
	hctx := &handler.Context{}

	publishPkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publishPkt.TopicName = "forbidden/topic"
	publishPkt.Payload = []byte("data")

	_, err := p.Parse(context.Background(), encode(t, publishPkt), parser.Upstream, mock, hctx)
	if err == nil {
		t.Error("Expected error from Parse() when publish auth fails")
	}
}

func TestMQTTParser_InvalidPacket(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	_, err := p.Parse(context.Background(), []byte{0xFF, 0xFF, 0xFF}, parser.Upstream, mock, hctx)
	if err == nil {
		t.Error("Expected error from Parse() with invalid packet")
	}
}

func TestMQTTParser_TruncatedPacket(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	publishPkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publishPkt.TopicName = "test/topic"
	publishPkt.Payload = []byte("test payload")

	in := encode(t, publishPkt)

	// A message ending mid-packet must be rejected
	_, err := p.Parse(context.Background(), in[:len(in)-2], parser.Upstream, mock, hctx)
	if err == nil {
		t.Error("Expected error from Parse() with truncated packet")
	}
}

func TestMQTTParser_EmptyPayload(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	out, err := p.Parse(context.Background(), nil, parser.Upstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(out))
	}
	if mock.connectCalled || mock.publishCalled || mock.subscribeCalled {
		t.Error("Expected no auth calls for empty payload")
	}
}

func TestMQTTParser_DownstreamPublish(t *testing.T) {
	p := &Parser{}
	mock := &mockHandler{}
	hctx := &handler.Context{}

	publishPkt := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publishPkt.TopicName = "test/topic"
	publishPkt.Payload = []byte("broker message")
	publishPkt.Qos = 0

	in := encode(t, publishPkt)

	out, err := p.Parse(context.Background(), in, parser.Downstream, mock, hctx)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// A downstream publish is a delivery, so it runs subscribe auth
	if !mock.subscribeCalled {
		t.Error("Expected AuthSubscribe to be called for downstream publish")
	}
	if len(mock.lastTopics) != 1 || mock.lastTopics[0] != "test/topic" {
		t.Errorf("Expected delivery topic [test/topic], got %v", mock.lastTopics)
	}
	if !bytes.Equal(out, in) {
		t.Error("Expected unmodified payload to pass through as-is")
	}
}

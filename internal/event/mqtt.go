package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrMQTTTimeout はブローカーの応答待ちがタイムアウトしたことを表す
var ErrMQTTTimeout = errors.New("MQTT ブローカーの応答がタイムアウトしました")

// MQTTOptions は MQTTSink の接続設定
type MQTTOptions struct {
	Broker      string        // 例: tcp://localhost:1883
	ClientID    string        // 空なら camviewer
	TopicPrefix string        // 空なら camviewer/events
	QoS         byte          // 0, 1, 2
	Timeout     time.Duration // 接続と送信の待ち時間。0 なら 5 秒
}

func (o MQTTOptions) withDefaults() MQTTOptions {
	if o.ClientID == "" {
		o.ClientID = "camviewer"
	}
	if o.TopicPrefix == "" {
		o.TopicPrefix = "camviewer/events"
	}
	o.TopicPrefix = strings.TrimSuffix(o.TopicPrefix, "/")
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

// mqttClient は MQTTSink が使う mqtt.Client の部分集合
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink はイベントを CBOR で MQTT ブローカーへ送信する
//
// トピックは <prefix>/<type>、デバイスに紐づくイベントは <prefix>/<type>/<device_id>。
type MQTTSink struct {
	client mqttClient
	opts   MQTTOptions
	logger *slog.Logger
}

// NewMQTTSink は paho クライアントを使う MQTTSink を作成する。接続は Connect で行う
func NewMQTTSink(opts MQTTOptions, logger *slog.Logger) *MQTTSink {
	opts = opts.withDefaults()
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(opts.Timeout).
		SetConnectTimeout(opts.Timeout).
		SetAutoReconnect(true)
	return newMQTTSink(mqtt.NewClient(co), opts, logger)
}

func newMQTTSink(client mqttClient, opts MQTTOptions, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSink{
		client: client,
		opts:   opts.withDefaults(),
		logger: logger.With("broker", opts.Broker),
	}
}

// Connect はブローカーに接続する
func (s *MQTTSink) Connect(ctx context.Context) error {
	if err := s.wait(ctx, s.client.Connect()); err != nil {
		return fmt.Errorf("MQTT ブローカー %s への接続に失敗: %w", s.opts.Broker, err)
	}
	s.logger.Info("MQTT ブローカーに接続しました")
	return nil
}

// Topic はイベントの送信先トピックを返す
func (s *MQTTSink) Topic(e Event) string {
	topic := s.opts.TopicPrefix + "/" + string(e.Type)
	if e.DeviceID != "" {
		topic += "/" + e.DeviceID
	}
	return topic
}

// Send はイベントを1件送信する
func (s *MQTTSink) Send(ctx context.Context, e Event) error {
	payload, err := Encode(e)
	if err != nil {
		return err
	}
	topic := s.Topic(e)
	if err := s.wait(ctx, s.client.Publish(topic, s.opts.QoS, false, payload)); err != nil {
		return fmt.Errorf("トピック %s への送信に失敗: %w", topic, err)
	}
	return nil
}

// Run は events を受信してブローカーへ転送する
//
// 送信に失敗したイベントはログに記録して捨てる。ctx のキャンセルか events の
// クローズで終了する。
func (s *MQTTSink) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.Send(ctx, e); err != nil {
				s.logger.Warn("イベントを MQTT に送信できませんでした", "type", string(e.Type), "error", err)
			}
		}
	}
}

// Close はブローカーから切断する
func (s *MQTTSink) Close() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
		s.logger.Info("MQTT ブローカーから切断しました")
	}
}

func (s *MQTTSink) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(s.opts.Timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrMQTTTimeout
	}
}

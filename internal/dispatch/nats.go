package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSTransport はプッシュ型トランスポートの実装
// JSONのコマンドペイロードをデバイスごとのサブジェクトへ発行する
type NATSTransport struct {
	nc     *nats.Conn
	prefix string // サブジェクトのプレフィックス (例: hyakume.rig01)
}

// NewNATSTransport は新しいNATSTransportを作成する
func NewNATSTransport(nc *nats.Conn, prefix string) *NATSTransport {
	return &NATSTransport{
		nc:     nc,
		prefix: prefix,
	}
}

// Name はトランスポートの識別名を返す
func (t *NATSTransport) Name() string { return "nats" }

// DeviceSubject はデバイス個別コマンドのサブジェクトを返す
func (t *NATSTransport) DeviceSubject(deviceID string) string {
	return fmt.Sprintf("%s.cmd.capture.%s", t.prefix, deviceID)
}

// BroadcastSubject は全体告知のサブジェクトを返す
func (t *NATSTransport) BroadcastSubject() string {
	return fmt.Sprintf("%s.cmd.capture", t.prefix)
}

// Deliver はデバイス個別のサブジェクトへトークン付きコマンドを発行する
func (t *NATSTransport) Deliver(_ context.Context, deviceID string, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("コマンドの変換に失敗: %w", err)
	}

	if err := t.nc.Publish(t.DeviceSubject(deviceID), data); err != nil {
		return fmt.Errorf("コマンドの発行に失敗: %w", err)
	}

	return nil
}

// Broadcast は全体サブジェクトへトークンなしの告知を発行する
func (t *NATSTransport) Broadcast(_ context.Context, cmd BroadcastCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("告知の変換に失敗: %w", err)
	}

	if err := t.nc.Publish(t.BroadcastSubject(), data); err != nil {
		return fmt.Errorf("告知の発行に失敗: %w", err)
	}

	return nil
}

package websocket

import (
	"fmt"
	"time"

	"HibiscusCrisis/pkg/util"
)

// Config WebSocket配置
type Config struct {
	// 最大连接数
	MaxConnections int64
	// 心跳间隔
	HeartbeatInterval time.Duration
	// 连接超时时间
	ConnectionTimeout time.Duration
	// 每个连接的发送缓冲区大小
	MessageBufferSize int
	ReadBufferSize    int
	WriteBufferSize   int
	// 最大入站消息大小
	MaxMessageSize int
	// 是否启用压缩
	EnableCompression bool
	// 发送缓冲区满时是否丢弃
	DropOnFull bool
	// 发送阻塞超时（用于非 DropOnFull 模式）
	SendTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxConnections:    DefaultMaxConnections,
		HeartbeatInterval: DefaultHeartbeatInterval * time.Second,
		ConnectionTimeout: DefaultConnectionTimeout * time.Second,
		MessageBufferSize: DefaultMessageBufferSize,
		ReadBufferSize:    DefaultReadBufferSize,
		WriteBufferSize:   DefaultWriteBufferSize,
		MaxMessageSize:    DefaultMaxMessageSize,
		EnableCompression: false,
		DropOnFull:        true,
		SendTimeout:       50 * time.Millisecond,
	}
}

// LoadConfigFromEnv 从环境变量加载WebSocket配置
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if n := util.GetIntEnv(EnvWebSocketMaxConnections); n > 0 {
		config.MaxConnections = n
	}
	if n := util.GetIntEnv(EnvWebSocketHeartbeatInterval); n > 0 {
		config.HeartbeatInterval = time.Duration(n) * time.Second
	}
	if n := util.GetIntEnv(EnvWebSocketConnectionTimeout); n > 0 {
		config.ConnectionTimeout = time.Duration(n) * time.Second
	}
	if n := util.GetIntEnv(EnvWebSocketMessageBufferSize); n > 0 {
		config.MessageBufferSize = int(n)
	}
	if util.GetEnv(EnvWebSocketEnableCompression) != "" {
		config.EnableCompression = util.GetBoolEnv(EnvWebSocketEnableCompression)
	}
	if util.GetEnv(EnvWebSocketDropOnFull) != "" {
		config.DropOnFull = util.GetBoolEnv(EnvWebSocketDropOnFull)
	}
	if n := util.GetIntEnv(EnvWebSocketReadBufferSize); n > 0 {
		config.ReadBufferSize = int(n)
	}
	if n := util.GetIntEnv(EnvWebSocketWriteBufferSize); n > 0 {
		config.WriteBufferSize = int(n)
	}
	if n := util.GetIntEnv(EnvWebSocketMaxMessageSize); n > 0 {
		config.MaxMessageSize = int(n)
	}
	if n := util.GetIntEnv(EnvWebSocketSendTimeoutMs); n > 0 {
		config.SendTimeout = time.Duration(n) * time.Millisecond
	}
	return config
}

// ValidateConfig 验证WebSocket配置
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("配置不能为空")
	}
	if config.MaxConnections <= 0 {
		return fmt.Errorf("最大连接数必须大于0")
	}
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("心跳间隔必须大于0")
	}
	if config.ConnectionTimeout <= 0 {
		return fmt.Errorf("连接超时时间必须大于0")
	}
	if config.MessageBufferSize <= 0 {
		return fmt.Errorf("消息缓冲区大小必须大于0")
	}
	if config.ReadBufferSize <= 0 || config.WriteBufferSize <= 0 {
		return fmt.Errorf("读/写缓冲区大小必须大于0")
	}
	if config.MaxMessageSize <= 0 {
		return fmt.Errorf("最大消息大小必须大于0")
	}
	// 心跳间隔应该小于连接超时时间
	if config.HeartbeatInterval >= config.ConnectionTimeout {
		return fmt.Errorf("心跳间隔必须小于连接超时时间")
	}
	if !config.DropOnFull && config.SendTimeout <= 0 {
		return fmt.Errorf("阻塞发送模式必须设置 send timeout")
	}
	return nil
}

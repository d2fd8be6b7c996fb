package websocket

// WebSocket消息类型常量
const (
	// 系统消息类型
	MessageTypePing    = "ping"
	MessageTypePong    = "pong"
	MessageTypeWelcome = "welcome"

	// 业务消息类型
	MessageTypeNotification = "notification"
	MessageTypeAck          = "ack"
	MessageTypeAccept       = "accept"
	MessageTypeDecline      = "decline"
	MessageTypeError        = "error"
	MessageTypeSuccess      = "success"

	// 房间角色
	RoleResponder = "responder"
	RoleUser      = "user"
	RoleAdmin     = "admin"

	// 默认配置值
	DefaultMaxConnections    = 10000
	DefaultHeartbeatInterval = 30
	DefaultConnectionTimeout = 60
	DefaultMessageBufferSize = 256
	DefaultReadBufferSize    = 1024
	DefaultWriteBufferSize   = 1024
	DefaultMaxMessageSize    = 4096

	// 环境变量配置键
	EnvWebSocketMaxConnections    = "WEBSOCKET_MAX_CONNECTIONS"
	EnvWebSocketHeartbeatInterval = "WEBSOCKET_HEARTBEAT_INTERVAL"
	EnvWebSocketConnectionTimeout = "WEBSOCKET_CONNECTION_TIMEOUT"
	EnvWebSocketMessageBufferSize = "WEBSOCKET_MESSAGE_BUFFER_SIZE"
	EnvWebSocketEnableCompression = "WEBSOCKET_ENABLE_COMPRESSION"
	EnvWebSocketDropOnFull        = "WEBSOCKET_DROP_ON_FULL"
	EnvWebSocketReadBufferSize    = "WEBSOCKET_READ_BUFFER_SIZE"
	EnvWebSocketWriteBufferSize   = "WEBSOCKET_WRITE_BUFFER_SIZE"
	EnvWebSocketMaxMessageSize    = "WEBSOCKET_MAX_MESSAGE_SIZE"
	EnvWebSocketSendTimeoutMs     = "WEBSOCKET_SEND_TIMEOUT_MS"

	// 错误消息
	ErrConnectionLimitExceeded = "连接数已达到上限"
	ErrInvalidMessageData      = "无效的消息数据"
	ErrNoConnection            = "接收方不在线"
	ErrSendBufferFull          = "发送缓冲区已满"
	ErrUnknownRole             = "未知的角色"

	// 成功消息
	MsgConnectionEstablished = "连接已建立"

	// 路由路径
	RouteWebSocket       = "/ws"
	RouteWebSocketStats  = "/ws/stats"
	RouteWebSocketHealth = "/ws/health"
)

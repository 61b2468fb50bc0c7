package waflow

import (
	"context"

	runtimepkg "github.com/drblury/waflow/internal/runtime"
	configpkg "github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/internal/runtime/deadletter"
	errspkg "github.com/drblury/waflow/internal/runtime/errors"
	idspkg "github.com/drblury/waflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/waflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/waflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/waflow/internal/runtime/metadata"
	"github.com/drblury/waflow/internal/runtime/pipeline"
	"github.com/drblury/waflow/internal/runtime/queue"
	"github.com/drblury/waflow/internal/runtime/retry"
	"github.com/drblury/waflow/internal/runtime/tracing"
	transportpkg "github.com/drblury/waflow/internal/runtime/transport"
	newtransport "github.com/drblury/waflow/transport"
)

type (
	Config           = configpkg.Config
	Runtime          = runtimepkg.Runtime
	Dependencies     = runtimepkg.Dependencies
	State            = runtimepkg.State
	Hooks            = runtimepkg.Hooks
	ErrorContext     = runtimepkg.ErrorContext
	Metrics          = runtimepkg.Metrics
	MetricsSnapshot  = runtimepkg.MetricsSnapshot
	StatusReport     = runtimepkg.StatusReport
	TransportFactory = transportpkg.Factory

	// Canonical inbound record
	MessageRecord    = pipeline.MessageRecord
	MessageKind      = pipeline.MessageKind
	ConversationKind = pipeline.ConversationKind
	RoutingMetadata  = pipeline.RoutingMetadata
	Deduplicator     = pipeline.Deduplicator
	Router           = pipeline.Router

	// Outbound commands
	OutboundCommand        = queue.OutboundCommand
	OutboundResult         = queue.OutboundResult
	CommandValidationError = queue.CommandValidationError

	// Retry policy
	RetryConfig = retry.Config
	RetryOption = retry.Option

	// Dead letters
	DeadLetterEntry   = deadletter.Entry
	DeadLetterReason  = deadletter.Reason
	DeadLetterStore   = deadletter.Store
	DeadLetterOptions = deadletter.Options

	TracingConfig   = tracing.Config
	TracingProvider = tracing.Provider

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	StageError = errspkg.StageError

	// Modular transport types
	Transport             = newtransport.Transport
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

const (
	StateStopped  = runtimepkg.StateStopped
	StateStarting = runtimepkg.StateStarting
	StateRunning  = runtimepkg.StateRunning
	StateStopping = runtimepkg.StateStopping

	KindText     = pipeline.KindText
	KindImage    = pipeline.KindImage
	KindVideo    = pipeline.KindVideo
	KindAudio    = pipeline.KindAudio
	KindDocument = pipeline.KindDocument
	KindOther    = pipeline.KindOther

	DeadLetterPublishFailed  = deadletter.ReasonPublishFailed
	DeadLetterInvalidCommand = deadletter.ReasonInvalidCommand
	DeadLetterSendFailed     = deadletter.ReasonSendFailed

	RecordSchemaName  = pipeline.SchemaName
	CommandSchemaName = queue.CommandSchemaName
)

// Metadata keys set on every published message.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema   = metadatapkg.KeyEventSchema
	MetadataKeyRouteKey      = metadatapkg.KeyRouteKey
	MetadataKeyMessageKind   = metadatapkg.KeyMessageKind
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyMessageID     = metadatapkg.KeyMessageID
	MetadataKeyCommandID     = metadatapkg.KeyCommandID
)

var (
	New            = runtimepkg.New
	LoadConfig     = configpkg.Load
	LoadConfigFrom = configpkg.LoadFrom
	ValidateConfig = configpkg.ValidateConfig

	NewDeduplicator = pipeline.NewDeduplicator
	NewRouter       = pipeline.NewRouter
	ClassifyMessage = pipeline.ClassifyMessage

	DecodeCommand = queue.DecodeCommand
	SendCommand   = queue.SendCommand

	WithRetryCallback = retry.WithOnRetry
	RunWithRetry      = retry.Run

	OpenDeadLetters = deadletter.Open

	SetupTracing = tracing.Setup

	LoggingHooks  = runtimepkg.LoggingHooks
	AlertingHooks = runtimepkg.AlertingHooks

	DefaultTransportFactory  = transportpkg.DefaultFactory
	RegistryTransportFactory = transportpkg.RegistryFactory
	StaticTransportFactory   = transportpkg.StaticFactory

	// Use RegisterTransport and BuildTransport to work with the modular transport packages.
	DefaultTransportRegistry = newtransport.DefaultRegistry
	NewTransportRegistry     = newtransport.NewRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrChatClientRequired = errspkg.ErrChatClientRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrPublisherNotReady  = errspkg.ErrPublisherNotReady
	ErrDeadLetterBackend  = errspkg.ErrDeadLetterBackend
	StageOf               = errspkg.StageOf

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewSlog              = loggingpkg.NewSlog
	NewWatermillAdapter  = loggingpkg.NewWatermillAdapter
	DiscardLogger        = loggingpkg.Discard

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Retry runs op under the retry policy, returning its last result.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(context.Context) (T, error), opts ...RetryOption) (T, error) {
	return retry.Do(ctx, cfg, op, opts...)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

package redis

import (
	"github.com/joomcode/errorx"
)

// Errors is a root namespace for all redis errors.
var Errors = errorx.NewNamespace("redis")

var (
	// ErrTraitNotSent signals request were not written to network.
	// It is safe to retry such request on another connection.
	ErrTraitNotSent = errorx.RegisterTrait("request_not_sent")
	// ErrTraitConnectivity signals connection-level error: the connection is
	// dead (or explicitly closed), and the fate of in-flight requests is unknown.
	ErrTraitConnectivity = errorx.RegisterTrait("network_connectivity")
)

var (
	// ErrOpts - invalid options were passed to constructor.
	ErrOpts = Errors.NewType("opts", ErrTraitNotSent)
	// ErrContextIsNil - context is not passed to constructor.
	ErrContextIsNil = ErrOpts.NewSubtype("context_is_nil")
	// ErrNoAddressProvided - no address given to constructor.
	ErrNoAddressProvided = ErrOpts.NewSubtype("no_address")

	// ErrContextClosed - context were explicitly closed (connection is shut down).
	ErrContextClosed = Errors.NewType("connection_context_closed", ErrTraitConnectivity)

	// ErrConnection - connection was not established at the moment request were done.
	// Request is definitely not sent anywhere.
	ErrConnection = Errors.NewType("connection", ErrTraitConnectivity)
	// ErrNotConnected - connection were not established at the moment.
	ErrNotConnected = ErrConnection.NewSubtype("not_connected", ErrTraitNotSent)
	// ErrDial - could not connect.
	ErrDial = ErrConnection.NewSubtype("could_not_connect", ErrTraitNotSent)
	// ErrAuth - password didn't match.
	ErrAuth = ErrConnection.NewSubtype("count_not_auth", ErrTraitNotSent)
	// ErrConnSetup - other connection initialization error (ping, select db).
	ErrConnSetup = ErrConnection.NewSubtype("connection_setup", ErrTraitNotSent)

	// ErrIO - read/write error, or connection closed while reading/writing.
	// It is not known if request were processed or not.
	ErrIO = Errors.NewType("io", ErrTraitConnectivity)

	// ErrRequest - request malformed, or not allowed in the current connection
	// mode. Such request is failed on the client side, before any network write.
	ErrRequest = Errors.NewType("request")
	// ErrArgumentType - argument is not serializable.
	ErrArgumentType = ErrRequest.NewSubtype("argument_type", ErrTraitNotSent)
	// ErrBatchFormat - some other command in batch is malformed.
	ErrBatchFormat = ErrRequest.NewSubtype("batch_format", ErrTraitNotSent)
	// ErrNoSlotKey - no key to determine cluster slot.
	ErrNoSlotKey = ErrRequest.NewSubtype("no_slot_key", ErrTraitNotSent)
	// ErrRequestCancelled - request already cancelled.
	ErrRequestCancelled = ErrRequest.NewSubtype("request_cancelled", ErrTraitNotSent)
	// ErrCommandForbidden - command is blocking or dangerous, and such commands
	// are not allowed by options (see Opts.ScriptMode).
	ErrCommandForbidden = ErrRequest.NewSubtype("command_forbidden", ErrTraitNotSent)
	// ErrSubscribedMode - a non-subscribe command were issued while the
	// connection is in subscribed mode.
	ErrSubscribedMode = ErrRequest.NewSubtype("subscribed_mode", ErrTraitNotSent)
	// ErrTransactionState - MULTI while transaction is already open, or
	// EXEC/DISCARD with no open transaction.
	ErrTransactionState = ErrRequest.NewSubtype("transaction_state", ErrTraitNotSent)

	// ErrResponse - response malformed: redis returned something the protocol
	// does not permit. Fatal to the connection.
	ErrResponse = Errors.NewType("response")
	// ErrResponseFormat - response is not valid RESP.
	ErrResponseFormat = ErrResponse.NewSubtype("format")
	// ErrResponseUnexpected - response is valid RESP, but its structure or type
	// is not expected at this point.
	ErrResponseUnexpected = ErrResponse.NewSubtype("unexpected")
	// ErrHeaderlineTooLarge - headerline too large.
	ErrHeaderlineTooLarge = ErrResponseFormat.NewSubtype("headerline_too_large")
	// ErrHeaderlineEmpty - headerline is empty.
	ErrHeaderlineEmpty = ErrResponseFormat.NewSubtype("headerline_empty")
	// ErrIntegerParsing - integer malformed.
	ErrIntegerParsing = ErrResponseFormat.NewSubtype("integer_parsing")
	// ErrNoFinalRN - no final "\r\n" in response.
	ErrNoFinalRN = ErrResponseFormat.NewSubtype("no_final_rn")
	// ErrUnknownHeaderType - unknown header type.
	ErrUnknownHeaderType = ErrResponseFormat.NewSubtype("unknown_header_type")
	// ErrPing - ping receives wrong response.
	ErrPing = ErrResponse.NewSubtype("ping")

	// ErrResult - just regular redis error response. Scoped to the one request
	// that triggered it; harmless to the connection.
	ErrResult = Errors.NewType("result")
	// ErrExecAborted - EXEC returned abort marker, all commands queued in the
	// transaction are failed with this error.
	ErrExecAborted = ErrResult.NewSubtype("exec_aborted")
	// ErrExecDiscarded - transaction were discarded, all commands queued in the
	// transaction are failed with this error.
	ErrExecDiscarded = ErrResult.NewSubtype("exec_discarded")

	// ErrChannelClosed - subscription channel is closed and drained.
	// Returned by Channel.Get as the end-of-stream sentinel.
	ErrChannelClosed = Errors.NewType("channel_closed")
)

var (
	// EKMessage - key to store message for error
	EKMessage = errorx.RegisterPrintableProperty("message")
	// EKLine - raw protocol line that failed to parse.
	EKLine = errorx.RegisterPrintableProperty("line")
	// EKRequest - request that triggered the error.
	EKRequest = errorx.RegisterPrintableProperty("request")
	// EKRequests - batch of requests the error relates to.
	EKRequests = errorx.RegisterPrintableProperty("requests")
	// EKResponse - response the error relates to.
	EKResponse = errorx.RegisterPrintableProperty("response")
	// EKArgPos - position of malformed argument.
	EKArgPos = errorx.RegisterPrintableProperty("argpos")
	// EKVal - value of malformed argument.
	EKVal = errorx.RegisterPrintableProperty("val")
	// EKChannel - subscription channel name.
	EKChannel = errorx.RegisterPrintableProperty("channel")
)

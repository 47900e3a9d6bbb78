package mqttservice

import "github.com/nimbusmq/broker/internal/errors"

// MQTT5 reason codes (section 4.5's error taxonomy). The wire codec's
// ConnackPacket/PubackPacket/etc. ReasonCode field is a plain uint8 at
// the same byte position for both v3 return codes and v5 reason codes,
// so these constants are used directly for v5 and mapped down to the
// much smaller v3 CONNACK return-code set at the call site.
const (
	ReasonSuccess                     uint8 = 0x00
	ReasonNoMatchingSubscribers       uint8 = 0x10
	ReasonUnspecifiedError            uint8 = 0x80
	ReasonMalformedPacket             uint8 = 0x81
	ReasonProtocolError               uint8 = 0x82
	ReasonImplementationSpecificError uint8 = 0x83
	ReasonUnsupportedProtocolVersion  uint8 = 0x84
	ReasonClientIdentifierNotValid    uint8 = 0x85
	ReasonBadUserNameOrPassword       uint8 = 0x86
	ReasonNotAuthorized               uint8 = 0x87
	ReasonServerUnavailable           uint8 = 0x88
	ReasonServerBusy                  uint8 = 0x89
	ReasonBanned                      uint8 = 0x8A
	ReasonTopicFilterInvalid          uint8 = 0x8F
	ReasonTopicNameInvalid            uint8 = 0x90
	ReasonPacketIdentifierInUse       uint8 = 0x91
	ReasonPacketIdentifierNotFound    uint8 = 0x92
	ReasonReceiveMaximumExceeded      uint8 = 0x93
	ReasonTopicAliasInvalid           uint8 = 0x94
	ReasonPacketTooLarge              uint8 = 0x95
	ReasonQuotaExceeded               uint8 = 0x97
	ReasonPayloadFormatInvalid        uint8 = 0x99
	ReasonQoSNotSupported             uint8 = 0x9B
)

// reasonForKind maps an internal error Kind to the v5 reason code
// surfaced on the wire; handlePublish uses it for the PUBACK/PUBREC
// reason when staging, topic creation or the storage write fails.
func reasonForKind(k errors.Kind) uint8 {
	switch k {
	case errors.KindAuth:
		return ReasonNotAuthorized
	case errors.KindQuota:
		return ReasonQuotaExceeded
	case errors.KindNotFound:
		return ReasonPacketIdentifierNotFound
	case errors.KindProtocol:
		return ReasonProtocolError
	case errors.KindSchema:
		return ReasonPayloadFormatInvalid
	case errors.KindStorage, errors.KindMetadata, errors.KindTransient:
		return ReasonServerBusy
	default:
		return ReasonImplementationSpecificError
	}
}

// v3ConnackCode downgrades a v5 CONNACK reason to the 6-value v3.1.1
// return-code set for a v3/v3.1.1 connection.
func v3ConnackCode(reason uint8) uint8 {
	switch reason {
	case ReasonSuccess:
		return 0 // ConnAccepted
	case ReasonUnsupportedProtocolVersion:
		return 1 // ConnRefusedUnacceptableProtocol
	case ReasonClientIdentifierNotValid:
		return 2 // ConnRefusedIdentifierRejected
	case ReasonServerUnavailable, ReasonServerBusy:
		return 3 // ConnRefusedServerUnavailable
	case ReasonBadUserNameOrPassword:
		return 4 // ConnRefusedBadUsernameOrPassword
	case ReasonNotAuthorized, ReasonBanned:
		return 5 // ConnRefusedNotAuthorized
	default:
		return 3
	}
}

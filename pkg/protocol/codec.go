package protocol

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Decode failures. Both are recoverable at the connection level: the receiver
// drops the datagram or closes the stream, never the process.
var (
	// ErrTruncated means the payload ended before the bytes it promised.
	ErrTruncated = errors.New("truncated message payload")

	// ErrSchemaMismatch means no recognized variant tag was present.
	ErrSchemaMismatch = errors.New("unrecognized message schema")
)

// Field numbers are the cross-implementation contract. They must never be
// reused or renumbered; new fields get new numbers and old decoders skip them.
const (
	envFieldID         = 1 // string
	envFieldSenderID   = 2 // string
	envFieldSenderName = 3 // string
	envFieldTimestamp  = 4 // varint, unix seconds
	envFieldContent    = 5 // message

	contentFieldText      = 1 // message
	contentFieldFile      = 2 // message
	contentFieldHandshake = 3 // message

	textFieldText = 1 // string

	fileFieldFilename = 1 // string
	fileFieldData     = 2 // bytes

	handshakeFieldPeerID   = 1 // string
	handshakeFieldPeerName = 2 // string
	handshakeFieldTCPPort  = 3 // varint

	discoveryFieldAnnounce = 1 // message
	discoveryFieldRequest  = 2 // message

	announceFieldPeerName = 1 // string
	announceFieldPeerID   = 2 // string
	announceFieldTCPPort  = 3 // varint
)

// EncodeEnvelope encodes an envelope to protobuf wire format. All fields are
// written explicitly, defaults included, so round trips are exact.
func EncodeEnvelope(env *Envelope) []byte {
	var b []byte
	b = appendStringField(b, envFieldID, env.ID)
	b = appendStringField(b, envFieldSenderID, env.SenderID)
	b = appendStringField(b, envFieldSenderName, env.SenderName)
	b = protowire.AppendTag(b, envFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Timestamp)
	b = protowire.AppendTag(b, envFieldContent, protowire.BytesType)
	b = protowire.AppendBytes(b, encodeContent(env.Content))
	return b
}

// DecodeEnvelope decodes an envelope, skipping unknown fields. An envelope
// without a recognized content variant is a schema mismatch.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	env := &Envelope{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad field tag", ErrTruncated)
		}
		data = data[n:]

		switch {
		case num == envFieldID && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			env.ID = v
			data = data[n:]

		case num == envFieldSenderID && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			env.SenderID = v
			data = data[n:]

		case num == envFieldSenderName && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return nil, err
			}
			env.SenderName = v
			data = data[n:]

		case num == envFieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad timestamp varint", ErrTruncated)
			}
			env.Timestamp = v
			data = data[n:]

		case num == envFieldContent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad content field", ErrTruncated)
			}
			content, err := decodeContent(v)
			if err != nil {
				return nil, err
			}
			if content != nil {
				env.Content = content
			}
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad unknown field", ErrTruncated)
			}
			data = data[n:]
		}
	}

	if env.Content == nil {
		return nil, fmt.Errorf("%w: envelope without content", ErrSchemaMismatch)
	}
	return env, nil
}

func encodeContent(content Content) []byte {
	var b []byte
	switch c := content.(type) {
	case TextContent:
		var inner []byte
		inner = appendStringField(inner, textFieldText, c.Text)
		b = protowire.AppendTag(b, contentFieldText, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)

	case FileContent:
		var inner []byte
		inner = appendStringField(inner, fileFieldFilename, c.Filename)
		inner = protowire.AppendTag(inner, fileFieldData, protowire.BytesType)
		inner = protowire.AppendBytes(inner, c.Data)
		b = protowire.AppendTag(b, contentFieldFile, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)

	case HandshakeContent:
		var inner []byte
		inner = appendStringField(inner, handshakeFieldPeerID, c.PeerID)
		inner = appendStringField(inner, handshakeFieldPeerName, c.PeerName)
		inner = protowire.AppendTag(inner, handshakeFieldTCPPort, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(c.TCPPort))
		b = protowire.AppendTag(b, contentFieldHandshake, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	return b
}

// decodeContent returns nil (not an error) when only unknown variants were
// present, letting the caller decide whether that is fatal.
func decodeContent(data []byte) (Content, error) {
	var content Content

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad content tag", ErrTruncated)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad content field", ErrTruncated)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad content variant", ErrTruncated)
		}
		data = data[n:]

		switch num {
		case contentFieldText:
			c, err := decodeText(v)
			if err != nil {
				return nil, err
			}
			content = c
		case contentFieldFile:
			c, err := decodeFile(v)
			if err != nil {
				return nil, err
			}
			content = c
		case contentFieldHandshake:
			c, err := decodeHandshake(v)
			if err != nil {
				return nil, err
			}
			content = c
		}
	}

	return content, nil
}

func decodeText(data []byte) (TextContent, error) {
	var c TextContent
	err := walkFields(data, func(num protowire.Number, v []byte) {
		if num == textFieldText {
			c.Text = string(v)
		}
	})
	return c, err
}

func decodeFile(data []byte) (FileContent, error) {
	c := FileContent{Data: []byte{}}
	err := walkFields(data, func(num protowire.Number, v []byte) {
		switch num {
		case fileFieldFilename:
			c.Filename = string(v)
		case fileFieldData:
			// Copy out of the decode buffer; an empty field stays a non-nil
			// empty slice so round trips are exact.
			c.Data = append(make([]byte, 0, len(v)), v...)
		}
	})
	return c, err
}

func decodeHandshake(data []byte) (HandshakeContent, error) {
	var c HandshakeContent

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return c, fmt.Errorf("%w: bad handshake tag", ErrTruncated)
		}
		data = data[n:]

		switch {
		case num == handshakeFieldPeerID && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return c, err
			}
			c.PeerID = v
			data = data[n:]

		case num == handshakeFieldPeerName && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return c, err
			}
			c.PeerName = v
			data = data[n:]

		case num == handshakeFieldTCPPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return c, fmt.Errorf("%w: bad port varint", ErrTruncated)
			}
			if v > math.MaxUint16 {
				return c, fmt.Errorf("%w: port %d out of range", ErrSchemaMismatch, v)
			}
			c.TCPPort = uint16(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return c, fmt.Errorf("%w: bad handshake field", ErrTruncated)
			}
			data = data[n:]
		}
	}

	return c, nil
}

// EncodeDiscovery encodes a discovery datagram payload.
func EncodeDiscovery(msg DiscoveryMessage) []byte {
	var b []byte
	switch m := msg.(type) {
	case Announce:
		var inner []byte
		inner = appendStringField(inner, announceFieldPeerName, m.PeerName)
		inner = appendStringField(inner, announceFieldPeerID, m.PeerID)
		inner = protowire.AppendTag(inner, announceFieldTCPPort, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(m.TCPPort))
		b = protowire.AppendTag(b, discoveryFieldAnnounce, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)

	case Request:
		b = protowire.AppendTag(b, discoveryFieldRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, nil)
	}
	return b
}

// DecodeDiscovery decodes a discovery datagram payload, skipping unknown
// fields. A datagram carrying no recognized variant is a schema mismatch.
func DecodeDiscovery(data []byte) (DiscoveryMessage, error) {
	var msg DiscoveryMessage

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad discovery tag", ErrTruncated)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad discovery field", ErrTruncated)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad discovery variant", ErrTruncated)
		}
		data = data[n:]

		switch num {
		case discoveryFieldAnnounce:
			ann, err := decodeAnnounce(v)
			if err != nil {
				return nil, err
			}
			msg = ann
		case discoveryFieldRequest:
			msg = Request{}
		}
	}

	if msg == nil {
		return nil, fmt.Errorf("%w: discovery datagram without variant", ErrSchemaMismatch)
	}
	return msg, nil
}

func decodeAnnounce(data []byte) (Announce, error) {
	var a Announce

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, fmt.Errorf("%w: bad announce tag", ErrTruncated)
		}
		data = data[n:]

		switch {
		case num == announceFieldPeerName && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return a, err
			}
			a.PeerName = v
			data = data[n:]

		case num == announceFieldPeerID && typ == protowire.BytesType:
			v, n, err := consumeString(data)
			if err != nil {
				return a, err
			}
			a.PeerID = v
			data = data[n:]

		case num == announceFieldTCPPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, fmt.Errorf("%w: bad port varint", ErrTruncated)
			}
			if v > math.MaxUint16 {
				return a, fmt.Errorf("%w: port %d out of range", ErrSchemaMismatch, v)
			}
			a.TCPPort = uint16(v)
			data = data[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, fmt.Errorf("%w: bad announce field", ErrTruncated)
			}
			data = data[n:]
		}
	}

	return a, nil
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func consumeString(data []byte) (string, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return "", 0, fmt.Errorf("%w: bad string field", ErrTruncated)
	}
	return string(v), n, nil
}

// walkFields iterates length-delimited fields, skipping everything else.
func walkFields(data []byte, fn func(num protowire.Number, v []byte)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: bad field tag", ErrTruncated)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: bad field value", ErrTruncated)
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("%w: bad field bytes", ErrTruncated)
		}
		fn(num, v)
		data = data[n:]
	}
	return nil
}

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/chifferchat/internal/errs"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Encode marshals f as a flat object with the kind tag first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("frame %s is not an object", f.Kind())
	}
	var buf bytes.Buffer
	buf.Grow(len(body) + len(f.Kind()) + 12)
	buf.WriteString(`{"kind":`)
	kind, _ := json.Marshal(string(f.Kind()))
	buf.Write(kind)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode reads the kind tag and unmarshals data into the matching frame type.
// Unknown kinds and malformed JSON return errs.ErrValidation.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.Validationf("malformed frame: %v", err)
	}
	var f Frame
	switch head.Kind {
	case KindAuth:
		f = &Auth{}
	case KindSendDirect:
		f = &SendDirect{}
	case KindSendGroup:
		f = &SendGroup{}
	case KindAck:
		f = &Ack{}
	case KindTypingDirect:
		f = &TypingDirect{}
	case KindTypingGroup:
		f = &TypingGroup{}
	case KindMessage:
		f = &Message{}
	case KindStatusUpdate:
		f = &StatusUpdate{}
	case KindPresence:
		f = &Presence{}
	case KindTyping:
		f = &Typing{}
	case KindError:
		f = &Error{}
	case "":
		return nil, errs.Validationf("frame without kind")
	default:
		return nil, errs.Validationf("unknown frame kind %q", head.Kind)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, errs.Validationf("%s: %v", head.Kind, err)
	}
	return deref(f), nil
}

func deref(f Frame) Frame {
	switch v := f.(type) {
	case *Auth:
		return *v
	case *SendDirect:
		return *v
	case *SendGroup:
		return *v
	case *Ack:
		return *v
	case *TypingDirect:
		return *v
	case *TypingGroup:
		return *v
	case *Message:
		return *v
	case *StatusUpdate:
		return *v
	case *Presence:
		return *v
	case *Typing:
		return *v
	case *Error:
		return *v
	}
	return f
}

// Validate checks the struct tags of an inbound frame.
func Validate(f Frame) error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		parts := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return errs.Validationf("%s: %s", f.Kind(), strings.Join(parts, ", "))
	}
	return errs.Validationf("%s: %v", f.Kind(), err)
}

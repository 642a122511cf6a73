package chat

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
)

var userIDRE = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)

// ValidUserID reports whether id is a well-formed user id.
func ValidUserID(id string) bool {
	return userIDRE.MatchString(id)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report json field names so errors line up with the wire format.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return ValidUserID(fl.Field().String())
	})
	_ = v.RegisterValidation("nocontrol", func(fl validator.FieldLevel) bool {
		return !strings.ContainsFunc(fl.Field().String(), unicode.IsControl)
	})
	return v
}

// CreateChatRequest is the partial chat a caller asks the resolver to find or create.
type CreateChatRequest struct {
	LocalID      string   `json:"localId" validate:"omitempty,max=128,nocontrol"`
	Type         ChatType `json:"type" validate:"required,oneof=simple group broadcast"`
	Name         string   `json:"name" validate:"omitempty,max=200,nocontrol"`
	Description  string   `json:"description" validate:"omitempty,max=2000"`
	Participants []string `json:"participants" validate:"omitempty,dive,userid"`
	Admins       []string `json:"admins" validate:"omitempty,dive,userid"`
}

// Validate checks structural and type-specific rules. It never touches the store.
func (r CreateChatRequest) Validate() error {
	if r.Type == "" {
		return invalid("type", "required")
	}
	if err := structError(validate.Struct(r)); err != nil {
		return err
	}

	participants := normalizeIDs(r.Participants)
	switch r.Type {
	case TypeSimple:
		if len(participants) != 2 {
			return invalid("participants", "simple chats need exactly 2 distinct participants")
		}
	case TypeGroup:
		if strings.TrimSpace(r.Name) == "" {
			return invalid("name", "group chats need a name")
		}
		if len(participants) == 0 {
			return invalid("participants", "group chats need at least one participant")
		}
	case TypeBroadcast:
		if len(participants) == 0 {
			return invalid("participants", "broadcast chats need at least one participant")
		}
	}
	return nil
}

// MessageDraft is a message as submitted by a sender, before the ledger assigns server fields.
type MessageDraft struct {
	LocalID     string       `json:"localId" validate:"omitempty,max=128,nocontrol"`
	Content     string       `json:"content" validate:"max=2000"`
	Sender      string       `json:"sender" validate:"required,userid"`
	MessageType MessageType  `json:"messageType" validate:"required,oneof=message alert promo visit"`
	Attachments []Attachment `json:"attachments" validate:"max=20,dive"`
}

// Validate checks the draft. Content is required unless an attachment is present.
func (d MessageDraft) Validate() error {
	if d.Sender == "" {
		return invalid("sender", "required")
	}
	if d.MessageType == "" {
		return invalid("messageType", "required")
	}
	if !utf8.ValidString(d.Content) {
		return invalid("content", "must be valid UTF-8")
	}
	if err := structError(validate.Struct(d)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return invalid("content", "required without attachments")
	}
	return nil
}

var contentPolicy = bluemonday.StrictPolicy()

// SanitizeContent strips every HTML tag from message text and escapes what remains.
func SanitizeContent(s string) string {
	return contentPolicy.Sanitize(s)
}

// prepareDraft validates d as submitted and returns it with sanitized content.
// Content that sanitizes to nothing counts as missing.
func prepareDraft(d MessageDraft) (MessageDraft, error) {
	if err := d.Validate(); err != nil {
		return d, err
	}
	d.Content = SanitizeContent(d.Content)
	if strings.TrimSpace(d.Content) == "" && len(d.Attachments) == 0 {
		return d, invalid("content", "required without attachments")
	}
	return d, nil
}

// EditChatRequest changes chat metadata. Empty fields are left unchanged.
type EditChatRequest struct {
	Name            *string  `json:"name" validate:"omitempty,min=1,max=200,nocontrol"`
	Description     *string  `json:"description" validate:"omitempty,max=2000"`
	AddParticipants []string `json:"addParticipants" validate:"omitempty,dive,userid"`
}

// Validate checks the edit request.
func (r EditChatRequest) Validate() error {
	if r.Name == nil && r.Description == nil && len(r.AddParticipants) == 0 {
		return invalid("", "nothing to change")
	}
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return invalid("name", "must not be blank")
	}
	return structError(validate.Struct(r))
}

func structError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		return invalid(fe.Namespace()[strings.Index(fe.Namespace(), ".")+1:], reason)
	}
	return invalid("", err.Error())
}

package conversation

import "strings"

// InputKind discriminates Input.
type InputKind int

const (
	InputText InputKind = iota
	InputSelect
	InputCancel
	InputConfirm
	InputEdit
	InputBack
	InputAttachment
)

func (k InputKind) String() string {
	switch k {
	case InputText:
		return "text"
	case InputSelect:
		return "select"
	case InputCancel:
		return "cancel"
	case InputConfirm:
		return "confirm"
	case InputEdit:
		return "edit"
	case InputBack:
		return "back"
	case InputAttachment:
		return "attachment"
	default:
		return "unknown"
	}
}

// Field names the question a selection answers.
type Field int

const (
	FieldCategory Field = iota + 1
	FieldGrade
	FieldTrack
	FieldOption
)

var fieldPrefixes = map[Field]string{
	FieldCategory: "cat",
	FieldGrade:    "grade",
	FieldTrack:    "track",
	FieldOption:   "opt",
}

// Input is one user action. Text is set for InputText; Field and Key for
// InputSelect.
type Input struct {
	Kind  InputKind
	Text  string
	Field Field
	Key   string
}

func Text(s string) Input { return Input{Kind: InputText, Text: s} }
func Select(f Field, key string) Input { return Input{Kind: InputSelect, Field: f, Key: key} }
func Cancel() Input { return Input{Kind: InputCancel} }
func Confirm() Input { return Input{Kind: InputConfirm} }
func Edit() Input { return Input{Kind: InputEdit} }
func Back() Input { return Input{Kind: InputBack} }

// Attachment stands for a message that carried no text (photo, file, sticker).
func Attachment() Input { return Input{Kind: InputAttachment} }

// Token encodes a non-text input as the opaque string carried by a button.
func (in Input) Token() string {
	switch in.Kind {
	case InputSelect:
		return fieldPrefixes[in.Field] + ":" + in.Key
	case InputCancel:
		return "cancel"
	case InputConfirm:
		return "confirm"
	case InputEdit:
		return "edit"
	case InputBack:
		return "back"
	default:
		return ""
	}
}

// DecodeToken parses a button token. Tokens from older keyboards
// ("gender:<k>", "opt:<track>:<k>", "back_to_tracks") are accepted too.
func DecodeToken(token string) (Input, bool) {
	switch token {
	case "cancel":
		return Cancel(), true
	case "confirm":
		return Confirm(), true
	case "edit":
		return Edit(), true
	case "back", "back_to_tracks":
		return Back(), true
	}

	prefix, key, ok := strings.Cut(token, ":")
	if !ok || key == "" {
		return Input{}, false
	}
	switch prefix {
	case "cat", "gender":
		return Select(FieldCategory, key), true
	case "grade":
		return Select(FieldGrade, key), true
	case "track":
		return Select(FieldTrack, key), true
	case "opt":
		if i := strings.LastIndexByte(key, ':'); i >= 0 {
			key = key[i+1:]
		}
		if key == "" {
			return Input{}, false
		}
		return Select(FieldOption, key), true
	}
	return Input{}, false
}

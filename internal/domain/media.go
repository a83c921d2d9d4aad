package domain

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// TransportRole tags a negotiated transport by direction.
// A peer owns at most one transport per role.
type TransportRole string

const (
	RoleSender   TransportRole = "sender"
	RoleReceiver TransportRole = "receiver"
)

func (r TransportRole) Valid() bool {
	return r == RoleSender || r == RoleReceiver
}

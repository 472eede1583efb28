package chat

const (
	FrameContent = "content"
	FrameEnd     = "end"
)

// Frame is one event of a streamed chat turn.
type Frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func ContentFrame(fragment string) Frame {
	return Frame{Type: FrameContent, Data: fragment}
}

func EndFrame() Frame {
	return Frame{Type: FrameEnd, Data: ""}
}

// FrameWriter delivers frames to the caller. WriteFrame must not return
// before the frame has been handed to the transport.
type FrameWriter interface {
	WriteFrame(Frame) error
}

package gossippb

import "google.golang.org/grpc/encoding"

// codecName deliberately shadows grpc-go's built-in "proto" codec name.
// grpc.NewServer/grpc.Dial look messages up by content-subtype, and
// registering under the same name is the documented way to replace the
// default without threading a grpc.ForceCodec dial/server option through
// every call site — every gossippb RPC uses gossippb.Message values, never
// a real proto.Message, so there is no other registrant to collide with
// inside this process.
const codecName = "proto"

type grpcCodec struct{}

func (grpcCodec) Marshal(v interface{}) ([]byte, error) {
	m, err := requireMessage(v)
	if err != nil {
		return nil, err
	}
	return m.Marshal()
}

func (grpcCodec) Unmarshal(data []byte, v interface{}) error {
	m, err := requireMessage(v)
	if err != nil {
		return err
	}
	return m.Unmarshal(data)
}

func (grpcCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(grpcCodec{})
}

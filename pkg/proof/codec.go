package proof

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/i5heu/ouroboros-seal/pkg/chain"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode serializes tx as a protobuf Struct. Encoding
// is deterministic so the same transaction always
// yields identical bytes.
func Encode(tx chain.Transaction) ([]byte, error) {
	calls := make([]any, 0, len(tx.Calls))
	for _, c := range tx.Calls {
		args := make([]any, 0, len(c.Args))
		for _, a := range c.Args {
			args = append(args, map[string]any{
				"kind":  a.Kind.String(),
				"value": encodeArg(a),
			})
		}
		calls = append(calls, map[string]any{
			"package":  c.Package.Hex(),
			"module":   c.Module,
			"function": c.Function,
			"args":     args,
		})
	}
	st, err := structpb.NewStruct(map[string]any{"calls": calls})
	if err != nil {
		return nil, fmt.Errorf("build proof struct: %w", err)
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal proof: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode.
func Decode(b []byte) (chain.Transaction, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(b, &st); err != nil {
		return chain.Transaction{}, fmt.Errorf("unmarshal proof: %w", err)
	}
	callsVal, ok := st.Fields["calls"]
	if !ok || callsVal.GetListValue() == nil {
		return chain.Transaction{}, fmt.Errorf("proof has no call list")
	}

	var tx chain.Transaction
	for i, cv := range callsVal.GetListValue().GetValues() {
		call, err := decodeCall(cv.GetStructValue())
		if err != nil {
			return chain.Transaction{}, fmt.Errorf("call %d: %w", i, err)
		}
		tx.Calls = append(tx.Calls, call)
	}
	return tx, nil
}

func encodeArg(a chain.Arg) string {
	switch a.Kind {
	case chain.ArgBytes:
		return hex.EncodeToString(a.Bytes)
	case chain.ArgObject:
		return a.Object.Hex()
	case chain.ArgAddress:
		return a.Address.Hex()
	case chain.ArgU64, chain.ArgCoin:
		return strconv.FormatUint(a.U64, 10)
	case chain.ArgString:
		return a.Str
	case chain.ArgResult:
		return strconv.Itoa(a.Result)
	default:
		return ""
	}
}

func decodeCall(s *structpb.Struct) (chain.Call, error) {
	if s == nil {
		return chain.Call{}, fmt.Errorf("call is not an object")
	}
	f := s.GetFields()
	pkg, err := identifier.ParseObjectID(f["package"].GetStringValue())
	if err != nil {
		return chain.Call{}, fmt.Errorf("package: %w", err)
	}
	call := chain.Call{
		Package:  pkg,
		Module:   f["module"].GetStringValue(),
		Function: f["function"].GetStringValue(),
	}
	if call.Module == "" || call.Function == "" {
		return chain.Call{}, fmt.Errorf("missing module or function")
	}
	for j, av := range f["args"].GetListValue().GetValues() {
		arg, err := decodeArg(av.GetStructValue())
		if err != nil {
			return chain.Call{}, fmt.Errorf("argument %d: %w", j, err)
		}
		call.Args = append(call.Args, arg)
	}
	return call, nil
}

func decodeArg(s *structpb.Struct) (chain.Arg, error) {
	if s == nil {
		return chain.Arg{}, fmt.Errorf("argument is not an object")
	}
	kind, err := chain.ParseArgKind(s.GetFields()["kind"].GetStringValue())
	if err != nil {
		return chain.Arg{}, err
	}
	v := s.GetFields()["value"].GetStringValue()

	a := chain.Arg{Kind: kind}
	switch kind {
	case chain.ArgBytes:
		a.Bytes, err = hex.DecodeString(v)
	case chain.ArgObject:
		a.Object, err = identifier.ParseObjectID(v)
	case chain.ArgAddress:
		a.Address, err = identifier.ParseAddress(v)
	case chain.ArgU64, chain.ArgCoin:
		a.U64, err = strconv.ParseUint(v, 10, 64)
	case chain.ArgString:
		a.Str = v
	case chain.ArgResult:
		a.Result, err = strconv.Atoi(v)
	}
	if err != nil {
		return chain.Arg{}, fmt.Errorf("%s value: %w", kind, err)
	}
	return a, nil
}

package api

import (
	"encoding/json"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"riskdesk/internal/domain"
)

// ErrorKindKey is the trailer key carrying the domain error kind of a failed
// call.
const ErrorKindKey = "error-kind"

// toStruct encodes v as a JSON object message.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// fromStruct decodes a JSON object message into v. A nil message leaves v
// unchanged.
func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		return nil
	}
	b, err := protojson.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// codeFor maps a domain error kind to a gRPC status code.
func codeFor(kind domain.ErrorKind) codes.Code {
	switch kind {
	case domain.KindInvalidInput:
		return codes.InvalidArgument
	case domain.KindConnectionTimeout:
		return codes.Unavailable
	case domain.KindPartialSubmission:
		return codes.Aborted
	case domain.KindEntryRejected:
		return codes.FailedPrecondition
	case domain.KindBrokerError:
		return codes.Internal
	case domain.KindReconciliationMismatch, domain.KindUnprotectedPosition:
		return codes.FailedPrecondition
	}
	return codes.Unknown
}

// toStatus converts err into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return status.Error(codeFor(de.Kind), de.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

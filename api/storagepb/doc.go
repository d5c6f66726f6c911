// Package storagepb holds the wire messages and service descriptor of
// strata.StorageService. Messages are plain Go structs encoded in protobuf
// wire format through a gRPC codec registered under CodecName, so callers
// must dial with grpc.CallContentSubtype(CodecName) or use Client.
//
//	service StorageService {
//	  rpc Write(WriteRequest) returns (WriteResponse);
//	  rpc Read(ReadRequest) returns (stream ReadResponse);
//	}
package storagepb

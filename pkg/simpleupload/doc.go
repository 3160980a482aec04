// Package simpleupload issues short-lived, provider-scoped upload credentials
// so that clients can send file bytes straight to an object store.
//
// The server side validates a FileDescriptor and hands it to an Issuer for
// the target provider (S3-compatible stores or Azure Blob), which returns a
// PresignedURLResponse or, for large files, a MultipartUploadSession. The
// client side (package orchestrator) fetches those credentials over HTTP and
// performs the transfer with package transport.
//
// # Server
//
//	iss, err := s3.New(ctx, s3.Config{Bucket: "uploads", AccessKeyID: id, SecretAccessKey: secret})
//	issuers := simpleupload.Issuers{simpleupload.ProviderAWS: iss}
//	r.Mount("/api/v1", api.NewHandler(issuers, api.Policy{MaxFileSize: 100 << 20}).Routes())
//
// # Client
//
//	o, err := orchestrator.New(orchestrator.Config{
//	    TokenEndpoint: "https://app.example.com/api/v1/upload-url",
//	    Provider:      simpleupload.ProviderAWS,
//	    Multiple:      true,
//	})
//	o.Enqueue(files...)
//	result, err := o.ProceedUpload(ctx)
//
// Every error that leaves an Issuer or the orchestrator is an *UploadError
// carrying a type, an HTTP status and a retryable flag.
package simpleupload

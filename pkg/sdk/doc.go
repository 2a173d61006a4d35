// Package facematch embeds the facematch engine in a Go program: face extraction,
// the vector store, similarity search and match reconciliation, without the HTTP API.
//
// Storage is Redis, SQLite or Badger. The extraction backend is a DeepFace-compatible
// service or any Extractor implementation.
//
//	client, _ := facematch.New(ctx,
//	    facematch.WithBadger("./data/facematch"),
//	    facematch.WithDeepFace("http://localhost:5005", "Facenet512"),
//	    facematch.WithPhotoDir("./data/photos"),
//	)
//	defer client.Close()
//
//	up, _ := client.Photos().Upload(ctx, facematch.Upload{ReportID: "mp_17", Photo: jpeg})
//	res, _ := client.Search(ctx, facematch.Query{Photo: jpeg, ExcludeKind: facematch.KindMissing})
//	m, _ := client.Matches().Confirm(ctx, "mp_17", "fp_42", facematch.ConfirmOptions{VerifiedBy: "officer 7"})
package facematch

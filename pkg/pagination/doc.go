// Package pagination walks chunked Kubernetes list responses.
//
// The API server returns large lists in pages linked by a continue token.
// ListAll requests pages of Config.PageSize until the token runs out and
// returns the concatenated items:
//
//	items, err := pagination.ListAll(ctx, pagination.DefaultConfig(), opts,
//		func(ctx context.Context, opts metav1.ListOptions) ([]corev1.Event, string, error) {
//			list, err := client.CoreV1().Events(ns).List(ctx, opts)
//			if err != nil {
//				return nil, "", err
//			}
//			return list.Items, list.Continue, nil
//		})
//
// A continue token expires when the server compacts its history (HTTP 410).
// The walk then starts over with a single unpaged list, which is
// consistent but may be large.
package pagination

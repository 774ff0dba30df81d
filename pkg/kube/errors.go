package kube

import (
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/navicore/navipod/pkg/cache"
)

// ClassifyAPIError maps API server status errors to fetch error classes.
// It has the cache.Classifier shape and reports false for errors that did not
// come from the API server, leaving them to the generic rules.
func ClassifyAPIError(err error) (cache.ErrorClass, bool) {
	switch {
	case err == nil:
		return "", false
	case apierrors.IsNotFound(err):
		return cache.ClassNotFound, true
	case apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return cache.ClassForbidden, true
	case apierrors.IsTooManyRequests(err):
		return cache.ClassRateLimited, true
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return cache.ClassTimeout, true
	case apierrors.IsBadRequest(err), apierrors.IsInvalid(err), apierrors.IsMethodNotSupported(err),
		apierrors.IsNotAcceptable(err), apierrors.IsUnsupportedMediaType(err):
		return cache.ClassTerminal, true
	case apierrors.IsInternalError(err), apierrors.IsServiceUnavailable(err), apierrors.IsUnexpectedServerError(err):
		return cache.ClassTransient, true
	default:
		return "", false
	}
}

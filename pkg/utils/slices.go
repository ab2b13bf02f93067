/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

// SliceMap applies a function to each element of a slice and returns a new
// slice with the results.
func SliceMap[Domain, Range any](slice []Domain, fn func(Domain) Range) []Range {
	if slice == nil {
		return nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		ans[idx] = fn(elt)
	}

	return ans
}

// SliceMapE is like SliceMap but stops at the first error returned by fn.
func SliceMapE[Domain, Range any](slice []Domain, fn func(Domain) (Range, error)) ([]Range, error) {
	if slice == nil {
		return nil, nil
	}

	ans := make([]Range, len(slice))
	for idx, elt := range slice {
		val, err := fn(elt)
		if err != nil {
			return nil, err
		}
		ans[idx] = val
	}

	return ans, nil
}

// LastN returns a copy of the last n elements of slice.
// If n is larger than the slice, the whole slice is copied.
func LastN[T any](slice []T, n int) []T {
	if slice == nil {
		return nil
	}
	if n > len(slice) {
		n = len(slice)
	}
	if n < 0 {
		n = 0
	}

	ans := make([]T, n)
	copy(ans, slice[len(slice)-n:])
	return ans
}

// Clone returns a shallow copy of slice, preserving nil.
func Clone[T any](slice []T) []T {
	if slice == nil {
		return nil
	}
	ans := make([]T, len(slice))
	copy(ans, slice)
	return ans
}

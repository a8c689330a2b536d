package fleet

import (
	"slices"
)

// DescribeBatchSize 单次实例详情查询的最大 ID 数，受提供方接口限制
const DescribeBatchSize = 900

// Batches 将实例 ID 去重、排序后按 size 切分
//
// 排序保证批次可复现，便于排查和重试。
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = DescribeBatchSize
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var batches [][]string
	for chunk := range slices.Chunk(sorted, size) {
		batches = append(batches, chunk)
	}
	return batches
}

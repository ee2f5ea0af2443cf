package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ariyn/ivm/internal/ivm/optree"
	"github.com/ariyn/ivm/internal/ivm/refresh"
	"github.com/ariyn/ivm/internal/ivm/types"
	"github.com/ariyn/ivm/ivm"
)

// 5분 단위 매출 합계
const salesByBucket = `
root: totals
nodes:
  - {id: s, kind: scan, relation: sales, columns: [id, time_bucket, amount, product], key: [id]}
  - id: totals
    kind: aggregate
    input: s
    group_by: [time_bucket]
    aggs:
      - {func: sum, args: [amount], alias: total_sales}
      - {func: count, alias: orders}
`

// 상품별 직전 매출 (LAG ... PARTITION BY product)
const previousSale = `
root: w
nodes:
  - {id: s, kind: scan, relation: sales, columns: [id, time_bucket, amount, product], key: [id]}
  - id: w
    kind: window
    input: s
    partition_by: [product]
    order_by:
      - {sql: id}
    funcs:
      - {func: lag, args: [amount], alias: prev_amount}
`

const line = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func main() {
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║  IVM Demo: 5분 단위 매출 집계                            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx := context.Background()
	// 작은 테이블에서도 증분 경로를 보여주기 위해 비율 검사를 끈다.
	cfg := refresh.DefaultConfig()
	cfg.DifferentialMaxChangeRatio = 0
	db, err := ivm.Open(ivm.Options{Config: &cfg})
	if err != nil {
		fmt.Printf("❌ DB 생성 에러: %v\n", err)
		return
	}
	defer db.Close()

	if err := db.CreateTable("sales", []string{"id", "time_bucket", "amount", "product"}, "id"); err != nil {
		fmt.Printf("❌ 테이블 생성 에러: %v\n", err)
		return
	}
	for name, spec := range map[string]string{"totals": salesByBucket, "prev": previousSale} {
		tree, err := optree.ParseSpec([]byte(spec))
		if err != nil {
			fmt.Printf("❌ 트리 파싱 에러: %v\n", err)
			return
		}
		if err := db.CreateView(ctx, name, tree); err != nil {
			fmt.Printf("❌ 뷰 생성 에러: %v\n", err)
			return
		}
	}
	fmt.Println("✅ 뷰 totals, prev 생성 완료")
	printPlan(db, "totals")

	steps := []struct {
		title   string
		sql     string
		explain string
	}{
		{
			title: "📊 시나리오 1: 초기 데이터 투입 (10:00-10:04)",
			sql: `INSERT INTO sales (id, time_bucket, amount, product) VALUES
				(1, '10:00', 1000, 'A'), (2, '10:00', 1500, 'B'), (3, '10:00', 2000, 'C')`,
			explain: "💰 총 매출: 4,500원 (1000 + 1500 + 2000)",
		},
		{
			title: "📊 시나리오 2: 추가 데이터 투입 (10:05-10:09)",
			sql: `INSERT INTO sales VALUES
				(4, '10:05', 3000, 'A'), (5, '10:05', 2500, 'D'), (6, '10:00', 500, 'E')`,
			explain: "💡 10:05 시간대 5,500원 신규, 10:00 시간대 4,500원 → 5,000원",
		},
		{
			title:   "📊 시나리오 3: 데이터 삭제 (환불)",
			sql:     `DELETE FROM sales WHERE id = 1`,
			explain: "💡 10:00 시간대 5,000원 → 4,000원 (1,000원 차감)",
		},
		{
			title:   "📊 시나리오 4: 금액 정정 (UPDATE)",
			sql:     `UPDATE sales SET amount = amount * 2 WHERE product = 'A'`,
			explain: "💡 UPDATE 는 이전 행 삭제와 새 행 추가로 반영된다",
		},
	}

	for _, step := range steps {
		fmt.Println("\n" + line)
		fmt.Println(step.title)
		fmt.Println(line)
		fmt.Printf("\n입력 SQL:\n   %s\n", strings.Join(strings.Fields(step.sql), " "))

		events, err := db.Exec(ctx, step.sql)
		if err != nil {
			fmt.Printf("❌ 실행 에러: %v\n", err)
			return
		}
		fmt.Printf("   → 변경 %d건 기록\n", len(events))

		results, err := db.RefreshAll(ctx)
		if err != nil {
			fmt.Printf("❌ refresh 에러: %v\n", err)
			return
		}
		for _, view := range []string{"totals", "prev"} {
			res := results[view]
			fmt.Printf("\n📈 %s 갱신 (%s)\n", view, res.Kind)
			if res.Kind == refresh.Ready {
				printDelta(res.Delta)
			}
			printView(db, view)
		}
		fmt.Printf("   %s\n", step.explain)
	}
}

func printPlan(db *ivm.DB, view string) {
	diags, err := db.Explain(view)
	if err != nil {
		fmt.Printf("❌ explain 에러: %v\n", err)
		return
	}
	fmt.Printf("\n🔎 %s 실행 계획:\n", view)
	for _, d := range diags {
		fmt.Printf("   • %s\n", d)
	}
}

func printDelta(d *types.DeltaSet) {
	if d.IsEmpty() {
		fmt.Println("   (변경 없음)")
		return
	}
	for _, r := range d.Rows {
		sign := "+"
		if r.Action == types.Delete {
			sign = "-"
		}
		fmt.Printf("   %s %s\n", sign, formatValues(r.Row.Values))
	}
}

func printView(db *ivm.DB, view string) {
	cols, rows, err := db.Rows(view)
	if err != nil {
		fmt.Printf("❌ 조회 에러: %v\n", err)
		return
	}
	fmt.Printf("   [%s]\n", strings.Join(cols.Names(), ", "))
	for _, r := range rows {
		fmt.Printf("   • %s\n", formatValues(r.Values))
	}
}

func formatValues(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		if v == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = types.FormatValue(v)
	}
	return strings.Join(parts, ", ")
}

package platform

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"pulpo/llm"
	"pulpo/tools"
)

// MercadoLibreTool is the multi-action tool for a Mercado Libre
// integration. The model picks an action and the tool routes it to the
// matching marketplace endpoint.
type MercadoLibreTool struct {
	cfg    Config
	def    tools.Definition
	integ  *tools.Integration
	client *Client
}

func NewMercadoLibreTool(cfg Config, def tools.Definition, integ *tools.Integration, creds CredentialService) *MercadoLibreTool {
	if integ.BaseURL != "" {
		cfg.BaseURL = integ.BaseURL
	}
	return &MercadoLibreTool{
		cfg:    cfg,
		def:    def,
		integ:  integ,
		client: NewClient(cfg, integ.ID, creds),
	}
}

func (t *MercadoLibreTool) Name() string {
	if t.def.Name != "" {
		return t.def.Name
	}
	return "mercadolibre"
}

func (t *MercadoLibreTool) Description() string {
	if t.def.Description != "" {
		return t.def.Description
	}
	return "Work with the Mercado Libre marketplace: search products, manage publications, answer customer questions, browse categories and size grids"
}

func (t *MercadoLibreTool) Schema() llm.ToolSchema {
	return llm.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type": "string",
					"enum": []any{
						"search", "list_questions", "answer_question",
						"list_publications", "get_publication", "create_publication", "update_publication",
						"list_categories", "predict_category",
						"list_size_grids", "get_size_grid", "create_size_grid",
					},
					"description": "Operation to perform",
				},
				"query":       map[string]any{"type": "string", "description": "Search text (search, predict_category). Use SPANISH for better results."},
				"category_id": map[string]any{"type": "string", "description": "Category id filter (search, list_categories, list_size_grids)"},
				"condition":   map[string]any{"type": "string", "enum": []any{"new", "used", "refurbished"}, "description": "Item condition filter (search)"},
				"min_price":   map[string]any{"type": "number", "description": "Minimum price filter (search)"},
				"max_price":   map[string]any{"type": "number", "description": "Maximum price filter (search)"},
				"sort":        map[string]any{"type": "string", "enum": []any{"relevance", "price_asc", "price_desc"}, "description": "Sort order (search)"},
				"limit":       map[string]any{"type": "integer", "description": "Page size, max 50 (search, list_questions, list_publications)"},
				"offset":      map[string]any{"type": "integer", "description": "Pagination offset"},
				"include_stats": map[string]any{
					"type":        "boolean",
					"description": "Include price statistics (min, max, avg, median) in search results",
				},
				"item_id":     map[string]any{"type": "string", "description": "Publication id (get_publication, update_publication, list_questions)"},
				"question_id": map[string]any{"type": "string", "description": "Question id (answer_question)"},
				"answer":      map[string]any{"type": "string", "description": "Answer text (answer_question)"},
				"grid_id":     map[string]any{"type": "string", "description": "Size grid id (get_size_grid)"},
				"publication": map[string]any{"type": "object", "description": "Publication body (create_publication, update_publication)"},
				"size_grid":   map[string]any{"type": "object", "description": "Size grid body (create_size_grid)"},
			},
			"required": []any{"action"},
		},
	}
}

func (t *MercadoLibreTool) siteID() string {
	if t.integ.Config != nil {
		if site, ok := t.integ.Config["site_id"].(string); ok && site != "" {
			return site
		}
	}
	return t.cfg.DefaultSite
}

func (t *MercadoLibreTool) userID() string {
	if t.integ.Config != nil {
		switch v := t.integ.Config["user_id"].(type) {
		case string:
			return v
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func (t *MercadoLibreTool) Execute(ctx context.Context, input map[string]any) tools.Result {
	action, _ := input["action"].(string)
	switch action {
	case "search":
		return t.search(ctx, input)
	case "list_questions":
		return t.listQuestions(ctx, input)
	case "answer_question":
		return t.answerQuestion(ctx, input)
	case "list_publications":
		return t.listPublications(ctx, input)
	case "get_publication":
		return t.getPublication(ctx, input)
	case "create_publication":
		return t.createPublication(ctx, input)
	case "update_publication":
		return t.updatePublication(ctx, input)
	case "list_categories":
		return t.listCategories(ctx, input)
	case "predict_category":
		return t.predictCategory(ctx, input)
	case "list_size_grids":
		return t.listSizeGrids(ctx, input)
	case "get_size_grid":
		return t.getSizeGrid(ctx, input)
	case "create_size_grid":
		return t.createSizeGrid(ctx, input)
	default:
		return tools.Fail("unknown action %q", action)
	}
}

// search hits the public search endpoint; no token required.
func (t *MercadoLibreTool) search(ctx context.Context, input map[string]any) tools.Result {
	query, _ := input["query"].(string)
	if query == "" {
		return tools.Fail("query is required")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", fmt.Sprint(intOr(input, "limit", 50)))
	params.Set("offset", fmt.Sprint(intOr(input, "offset", 0)))
	if categoryID, _ := input["category_id"].(string); categoryID != "" {
		params.Set("category", categoryID)
	}
	if condition, _ := input["condition"].(string); condition != "" {
		params.Set("condition", condition)
	}
	minPrice, hasMin := input["min_price"].(float64)
	maxPrice, hasMax := input["max_price"].(float64)
	switch {
	case hasMin && hasMax:
		params.Set("price", fmt.Sprintf("%v-%v", minPrice, maxPrice))
	case hasMin:
		params.Set("price", fmt.Sprint(minPrice))
	case hasMax:
		params.Set("price", fmt.Sprintf("0-%v", maxPrice))
	}
	if sortOrder, _ := input["sort"].(string); sortOrder != "" {
		params.Set("sort", sortOrder)
	}

	response, err := t.client.Public(ctx, "GET", fmt.Sprintf("sites/%s/search", t.siteID()), params)
	if err != nil {
		return tools.Fail("%v", err)
	}

	rawResults, _ := response["results"].([]any)
	results := make([]map[string]any, 0, len(rawResults))
	for _, raw := range rawResults {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		result := map[string]any{
			"id":                 item["id"],
			"title":              item["title"],
			"price":              item["price"],
			"currency_id":        item["currency_id"],
			"condition":          item["condition"],
			"thumbnail":          item["thumbnail"],
			"permalink":          item["permalink"],
			"available_quantity": item["available_quantity"],
			"sold_quantity":      item["sold_quantity"],
		}
		if seller, ok := item["seller"].(map[string]any); ok {
			result["seller"] = map[string]any{"id": seller["id"], "nickname": seller["nickname"]}
		}
		if shipping, ok := item["shipping"].(map[string]any); ok {
			result["free_shipping"] = shipping["free_shipping"]
		}
		results = append(results, result)
	}

	out := map[string]any{"results": results}
	if paging, ok := response["paging"].(map[string]any); ok {
		out["total"] = paging["total"]
		out["limit"] = paging["limit"]
		out["offset"] = paging["offset"]
	}
	if include, _ := input["include_stats"].(bool); include && len(results) > 0 {
		out["stats"] = priceStats(results)
	}
	return tools.OK(out)
}

func (t *MercadoLibreTool) listQuestions(ctx context.Context, input map[string]any) tools.Result {
	params := url.Values{}
	params.Set("limit", fmt.Sprint(intOr(input, "limit", 50)))
	params.Set("offset", fmt.Sprint(intOr(input, "offset", 0)))
	if itemID, _ := input["item_id"].(string); itemID != "" {
		params.Set("item", itemID)
	} else if sellerID := t.userID(); sellerID != "" {
		params.Set("seller_id", sellerID)
	}

	response, err := t.client.Request(ctx, "GET", "questions/search", params, nil)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) answerQuestion(ctx context.Context, input map[string]any) tools.Result {
	questionID, _ := input["question_id"].(string)
	answer, _ := input["answer"].(string)
	if questionID == "" || answer == "" {
		return tools.Fail("missing required fields: question_id, answer")
	}
	response, err := t.client.Request(ctx, "POST", "answers", nil, map[string]any{
		"question_id": questionID,
		"text":        answer,
	})
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

// listPublications lists the seller's item ids and fans out the detail
// fetches concurrently, preserving the listing order in the output.
func (t *MercadoLibreTool) listPublications(ctx context.Context, input map[string]any) tools.Result {
	userID := t.userID()
	if userID == "" {
		return tools.Fail("integration has no user_id; reconnect the Mercado Libre account")
	}
	params := url.Values{}
	params.Set("limit", fmt.Sprint(intOr(input, "limit", 50)))
	params.Set("offset", fmt.Sprint(intOr(input, "offset", 0)))

	response, err := t.client.Request(ctx, "GET", fmt.Sprintf("users/%s/items/search", userID), params, nil)
	if err != nil {
		return tools.Fail("%v", err)
	}

	rawIDs, _ := response["results"].([]any)
	ids := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		if id, ok := raw.(string); ok {
			ids = append(ids, id)
		}
	}

	items := make([]map[string]any, len(ids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(5)
	for i, id := range ids {
		g.Go(func() error {
			item, err := t.client.Request(gctx, "GET", "items/"+id, nil, nil)
			if err != nil {
				return err
			}
			mu.Lock()
			items[i] = item
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return tools.Fail("%v", err)
	}

	out := map[string]any{"publications": items}
	if paging, ok := response["paging"].(map[string]any); ok {
		out["total"] = paging["total"]
	}
	return tools.OK(out)
}

func (t *MercadoLibreTool) getPublication(ctx context.Context, input map[string]any) tools.Result {
	itemID, _ := input["item_id"].(string)
	if itemID == "" {
		return tools.Fail("missing required fields: item_id")
	}
	response, err := t.client.Request(ctx, "GET", "items/"+itemID, nil, nil)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) createPublication(ctx context.Context, input map[string]any) tools.Result {
	publication, _ := input["publication"].(map[string]any)
	if len(publication) == 0 {
		return tools.Fail("missing required fields: publication")
	}
	if _, ok := publication["site_id"]; !ok {
		publication["site_id"] = t.siteID()
	}
	response, err := t.client.Request(ctx, "POST", "items", nil, publication)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) updatePublication(ctx context.Context, input map[string]any) tools.Result {
	itemID, _ := input["item_id"].(string)
	publication, _ := input["publication"].(map[string]any)
	if itemID == "" || len(publication) == 0 {
		return tools.Fail("missing required fields: item_id, publication")
	}
	response, err := t.client.Request(ctx, "PUT", "items/"+itemID, nil, publication)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) listCategories(ctx context.Context, input map[string]any) tools.Result {
	if categoryID, _ := input["category_id"].(string); categoryID != "" {
		response, err := t.client.Request(ctx, "GET", "categories/"+categoryID, nil, nil)
		if err != nil {
			return tools.Fail("%v", err)
		}
		return tools.OK(response)
	}
	response, err := t.client.Public(ctx, "GET", fmt.Sprintf("sites/%s/categories", t.siteID()), nil)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

// predictCategory uses domain discovery to suggest a category for a
// product title.
func (t *MercadoLibreTool) predictCategory(ctx context.Context, input map[string]any) tools.Result {
	query, _ := input["query"].(string)
	if query == "" {
		return tools.Fail("missing required fields: query")
	}
	params := url.Values{}
	params.Set("q", query)
	response, err := t.client.Request(ctx, "GET", fmt.Sprintf("sites/%s/domain_discovery/search", t.siteID()), params, nil)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) listSizeGrids(ctx context.Context, input map[string]any) tools.Result {
	params := url.Values{}
	if categoryID, _ := input["category_id"].(string); categoryID != "" {
		params.Set("domain_id", categoryID)
	}
	if userID := t.userID(); userID != "" {
		params.Set("seller_id", userID)
	}
	response, err := t.client.Request(ctx, "GET", "catalog/charts", params, nil)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) getSizeGrid(ctx context.Context, input map[string]any) tools.Result {
	gridID, _ := input["grid_id"].(string)
	if gridID == "" {
		return tools.Fail("missing required fields: grid_id")
	}
	response, err := t.client.Request(ctx, "GET", "catalog/charts/"+gridID, nil, nil)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func (t *MercadoLibreTool) createSizeGrid(ctx context.Context, input map[string]any) tools.Result {
	grid, _ := input["size_grid"].(map[string]any)
	if len(grid) == 0 {
		return tools.Fail("missing required fields: size_grid")
	}
	response, err := t.client.Request(ctx, "POST", "catalog/charts", nil, grid)
	if err != nil {
		return tools.Fail("%v", err)
	}
	return tools.OK(response)
}

func intOr(input map[string]any, key string, fallback int) int {
	if v, ok := input[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}

// priceStats summarizes prices overall and per condition.
func priceStats(results []map[string]any) map[string]any {
	var prices []float64
	byCondition := map[string][]float64{}
	for _, r := range results {
		price, ok := r["price"].(float64)
		if !ok || price <= 0 {
			continue
		}
		prices = append(prices, price)
		cond, _ := r["condition"].(string)
		if cond == "" {
			cond = "unknown"
		}
		byCondition[cond] = append(byCondition[cond], price)
	}
	if len(prices) == 0 {
		return nil
	}

	stats := summarizePrices(prices)
	stats["total_results"] = len(prices)
	conditionStats := map[string]any{}
	for cond, condPrices := range byCondition {
		s := summarizePrices(condPrices)
		s["count"] = len(condPrices)
		delete(s, "median_price")
		conditionStats[cond] = s
	}
	stats["by_condition"] = conditionStats
	return stats
}

func summarizePrices(prices []float64) map[string]any {
	sorted := make([]float64, len(prices))
	copy(sorted, prices)
	sort.Float64s(sorted)
	sum := 0.0
	for _, p := range sorted {
		sum += p
	}
	return map[string]any{
		"min_price":    sorted[0],
		"max_price":    sorted[len(sorted)-1],
		"avg_price":    sum / float64(len(sorted)),
		"median_price": sorted[len(sorted)/2],
	}
}
